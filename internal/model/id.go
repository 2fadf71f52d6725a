package model

import "github.com/gofrs/uuid/v5"

// NewID returns a unique identifier such as "queue_1f0c...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.Must(uuid.NewV4()).String()
}
