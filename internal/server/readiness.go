package server

import (
	"context"
	"fmt"
	"strings"
)

// FuncChecker wraps a function as a ReadinessChecker.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a FuncChecker. A nil check is always ready.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}

// RouterChecker reports ready once the router relays steady-state traffic.
type RouterChecker struct {
	ready func() error
}

// NewRouterChecker wraps a router's Ready method.
func NewRouterChecker(ready func() error) *RouterChecker {
	return &RouterChecker{ready: ready}
}

func (c *RouterChecker) Name() string { return "router" }

func (c *RouterChecker) CheckReady(context.Context) error {
	return c.ready()
}

// Liveness reports whether a worker process is running.
type Liveness interface {
	Alive(id string) bool
}

// WorkersChecker reports not ready while any spawned worker is dead.
type WorkersChecker struct {
	live    Liveness
	workers []string
}

// NewWorkersChecker creates a WorkersChecker for the given worker ids.
func NewWorkersChecker(live Liveness, workers []string) *WorkersChecker {
	return &WorkersChecker{live: live, workers: workers}
}

func (c *WorkersChecker) Name() string { return "workers" }

func (c *WorkersChecker) CheckReady(context.Context) error {
	var dead []string
	for _, id := range c.workers {
		if !c.live.Alive(id) {
			dead = append(dead, id)
		}
	}
	if len(dead) > 0 {
		return fmt.Errorf("workers not running: %s", strings.Join(dead, ", "))
	}
	return nil
}
