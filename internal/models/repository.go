package models

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mountebank-testing/mbengine/internal/util"
)

// ImposterRepository manages all imposters
type ImposterRepository struct {
	imposters map[int]*Imposter
	mu        sync.RWMutex
	logger    *util.Logger
}

// NewImposterRepository creates a new imposter repository
func NewImposterRepository(logger *util.Logger) *ImposterRepository {
	return &ImposterRepository{
		imposters: make(map[int]*Imposter),
		logger:    logger,
	}
}

// Add adds an imposter to the repository
func (ir *ImposterRepository) Add(imposter *Imposter) error {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	port := imposter.Port()
	if _, exists := ir.imposters[port]; exists {
		return util.NewResourceConflictError(fmt.Sprintf("port %d is already in use", port), port)
	}

	ir.imposters[port] = imposter
	ir.logger.Infof("Added imposter on port %d", port)
	return nil
}

// Get retrieves an imposter by port
func (ir *ImposterRepository) Get(port int) (*Imposter, error) {
	ir.mu.RLock()
	defer ir.mu.RUnlock()

	imposter, exists := ir.imposters[port]
	if !exists {
		return nil, util.NewMissingResourceError(fmt.Sprintf("imposter not found on port %d", port), port)
	}
	return imposter, nil
}

// Delete stops and removes an imposter
func (ir *ImposterRepository) Delete(port int) (*Imposter, error) {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	imposter, exists := ir.imposters[port]
	if !exists {
		return nil, util.NewMissingResourceError(fmt.Sprintf("imposter not found on port %d", port), port)
	}

	if err := imposter.Stop(); err != nil {
		ir.logger.Errorf("Error stopping imposter on port %d: %v", port, err)
	}
	delete(ir.imposters, port)
	ir.logger.Infof("Deleted imposter on port %d", port)
	return imposter, nil
}

// DeleteAll stops and removes all imposters
func (ir *ImposterRepository) DeleteAll() []*Imposter {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	imposters := sortedByPort(ir.imposters)
	for _, imposter := range imposters {
		if err := imposter.Stop(); err != nil {
			ir.logger.Errorf("Error stopping imposter on port %d: %v", imposter.Port(), err)
		}
	}
	ir.imposters = make(map[int]*Imposter)
	ir.logger.Info("Deleted all imposters")
	return imposters
}

// GetAll returns all imposters ordered by port
func (ir *ImposterRepository) GetAll() []*Imposter {
	ir.mu.RLock()
	defer ir.mu.RUnlock()
	return sortedByPort(ir.imposters)
}

// Exists checks if an imposter exists on a port
func (ir *ImposterRepository) Exists(port int) bool {
	ir.mu.RLock()
	defer ir.mu.RUnlock()

	_, exists := ir.imposters[port]
	return exists
}

// StopAll stops all imposters without removing them
func (ir *ImposterRepository) StopAll() {
	ir.mu.RLock()
	defer ir.mu.RUnlock()

	for port, imposter := range ir.imposters {
		if err := imposter.Stop(); err != nil {
			ir.logger.Errorf("Error stopping imposter on port %d: %v", port, err)
		}
	}
}

func sortedByPort(imposters map[int]*Imposter) []*Imposter {
	result := make([]*Imposter, 0, len(imposters))
	for _, imposter := range imposters {
		result = append(result, imposter)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Port() < result[j].Port()
	})
	return result
}
