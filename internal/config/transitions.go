package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"wo-foreman.io/foreman/internal/domain"
)

// LoadOrderTransitions returns the order transition table, merged from
// the optional YAML override file. The file maps state names to lists of
// permitted successor states:
//
//	queued: [checked_out, submitted, rejected, failed]
func (c StateMachineConfig) LoadOrderTransitions() (domain.OrderTransitions, error) {
	table := domain.DefaultOrderTransitions()
	if c.OrderTransitionsFile == "" {
		return table, nil
	}
	raw, err := os.ReadFile(c.OrderTransitionsFile)
	if err != nil {
		return nil, fmt.Errorf("read order transitions file: %w", err)
	}
	var override map[domain.OrderState][]domain.OrderState
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return nil, fmt.Errorf("parse order transitions file: %w", err)
	}
	for from, tos := range override {
		table[from] = tos
	}
	return table, nil
}

// LoadItemTransitions returns the item transition table, merged from the
// optional YAML override file.
func (c StateMachineConfig) LoadItemTransitions() (domain.ItemTransitions, error) {
	table := domain.DefaultItemTransitions()
	if c.ItemTransitionsFile == "" {
		return table, nil
	}
	raw, err := os.ReadFile(c.ItemTransitionsFile)
	if err != nil {
		return nil, fmt.Errorf("read item transitions file: %w", err)
	}
	var override map[domain.ItemState][]domain.ItemState
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return nil, fmt.Errorf("parse item transitions file: %w", err)
	}
	for from, tos := range override {
		table[from] = tos
	}
	return table, nil
}
