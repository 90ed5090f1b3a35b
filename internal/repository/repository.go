// Package repository persists tasks, language sub-tasks, their iteration
// history and the outbound delivery log.
package repository

import (
	"errors"
	"fmt"
	"slices"

	"github.com/inaiurai/localize/internal/models"
)

var ErrNotFound = errors.New("not found")

func checkTransition(from, to string) error {
	if from == to {
		return nil
	}
	return models.ValidSubTaskTransition(from, to)
}

func statusMatches(status string, from []string) bool {
	return len(from) == 0 || slices.Contains(from, status)
}

func errClosedIteration(number int) error {
	return fmt.Errorf("iteration %d is closed or missing", number)
}

var (
	errDuplicateTask      = errors.New("task already exists")
	errDuplicateIteration = errors.New("iteration already exists")
)
