package core

import "github.com/google/uuid"

// NewID returns a random UUID string used for tasks, steps and logs.
func NewID() string {
	return uuid.NewString()
}
