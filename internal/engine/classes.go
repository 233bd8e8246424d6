package engine

import (
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"pool_sync/internal/domain"
)

// Classes maps each entity class to its recognizer and loader.
type Classes struct {
	handlers map[domain.Class]domain.ClassHandler
	order    []domain.Class
}

// NewClasses registers handlers; a later handler for the same class replaces an earlier one.
func NewClasses(handlers ...domain.ClassHandler) *Classes {
	c := &Classes{handlers: make(map[domain.Class]domain.ClassHandler)}
	for _, h := range handlers {
		if _, dup := c.handlers[h.Class()]; !dup {
			c.order = append(c.order, h.Class())
		}
		c.handlers[h.Class()] = h
	}
	slices.Sort(c.order)
	return c
}

// Identify classifies a log. Classes are tried in ascending order; the first match wins.
func (c *Classes) Identify(log *types.Log) (domain.Candidate, bool) {
	for _, class := range c.order {
		if addr, ok := c.handlers[class].Recognize(log); ok {
			return domain.Candidate{Address: addr, Class: class}, true
		}
	}
	return domain.Candidate{}, false
}

// Loader returns the loader registered for class.
func (c *Classes) Loader(class domain.Class) (domain.EntityLoader, error) {
	h, ok := c.handlers[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownClass, class)
	}
	return h, nil
}

// Topics returns the union of the event topics of every handler that declares them.
func (c *Classes) Topics() []common.Hash {
	var topics []common.Hash
	for _, class := range c.order {
		if t, ok := c.handlers[class].(interface{ Topics() []common.Hash }); ok {
			topics = append(topics, t.Topics()...)
		}
	}
	return topics
}

// Len returns the number of registered classes
func (c *Classes) Len() int {
	return len(c.order)
}
