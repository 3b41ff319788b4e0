package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveEmbedding stores one enrolled face embedding for a worker.
func (d *Database) SaveEmbedding(workerID string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	_, err = d.exec(`INSERT INTO face_embeddings (id, worker_id, embedding, created_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), workerID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save embedding: %w", err)
	}
	return nil
}

// ListEmbeddings returns every worker's enrolled embeddings.
func (d *Database) ListEmbeddings() (map[string][][]float32, error) {
	rows, err := d.query("SELECT worker_id, embedding FROM face_embeddings ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][][]float32)
	for rows.Next() {
		var workerID, data string
		if err := rows.Scan(&workerID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		var emb []float32
		if err := json.Unmarshal([]byte(data), &emb); err != nil {
			return nil, fmt.Errorf("worker %q: failed to unmarshal embedding: %w", workerID, err)
		}
		out[workerID] = append(out[workerID], emb)
	}
	return out, rows.Err()
}

// DeleteWorker removes all embeddings for a worker.
func (d *Database) DeleteWorker(workerID string) (int64, error) {
	result, err := d.exec("DELETE FROM face_embeddings WHERE worker_id = ?", workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete worker: %w", err)
	}
	return result.RowsAffected()
}
