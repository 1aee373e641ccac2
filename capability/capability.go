// Package capability declares the in-world primitives the engine consumes.
//
// The engine never implements these itself. A concrete environment (for example the
// HTTP bridge in clients/envclient, or a fake in tests) is injected at construction
// time. Every method takes a context so that an emergency stop can interrupt it.
package capability

import (
	"context"
	"fmt"
)

// Point is a location in the environment.
type Point struct {
	X     int `yaml:"x" json:"x"`
	Y     int `yaml:"y" json:"y"`
	Plane int `yaml:"plane" json:"plane"`
}

// String returns the point as "x,y,plane".
func (p Point) String() string {
	return fmt.Sprintf("%d,%d,%d", p.X, p.Y, p.Plane)
}

// Interactor interacts with a named entity using a named verb ("Talk-to", "Open").
type Interactor interface {
	Interact(ctx context.Context, entity, verb string) error
}

// Navigator moves the agent.
type Navigator interface {
	// Navigate requests movement to within tolerance tiles of target.
	// It returns once the request is issued, not when movement finishes.
	Navigate(ctx context.Context, target Point, tolerance int) error
	// Position returns the agent's current location.
	Position(ctx context.Context) (Point, error)
	// Moving reports whether the agent is currently in transit.
	Moving(ctx context.Context) (bool, error)
}

// SignalReader reads a small externally exposed integer by key.
type SignalReader interface {
	ReadSignal(ctx context.Context, key int) (int, error)
}

// Inventory is the agent's local stock.
type Inventory interface {
	Count(ctx context.Context, item string) (int, error)
}

// Storage is durable storage whose location the environment resolves itself.
type Storage interface {
	// Reachable reports whether storage can be used from here.
	Reachable(ctx context.Context) (bool, error)
	// Open opens the storage interface, travelling to it if required.
	Open(ctx context.Context) error
	// Count returns how many of item storage holds.
	Count(ctx context.Context, item string) (int, error)
	// Withdraw moves up to qty of item into the inventory and returns how many moved.
	Withdraw(ctx context.Context, item string, qty int) (int, error)
	// Close closes the storage interface.
	Close(ctx context.Context) error
}

// Market is a priced exchange with asynchronous order fulfilment.
type Market interface {
	// Location is where the trading interface can be opened.
	Location() Point
	Open(ctx context.Context) error
	// CollectCompleted collects goods from completed orders and frees their slots.
	CollectCompleted(ctx context.Context) error
	// ReferencePrice returns the current reference price of item.
	ReferencePrice(ctx context.Context, item string) (int, error)
	// PlaceBuy places a buy order for qty of item at price each.
	PlaceBuy(ctx context.Context, item string, qty, price int) error
	// Filled returns how many units of the pending order for item have been filled.
	Filled(ctx context.Context, item string) (int, error)
	// CancelAll cancels every pending order for item.
	CancelAll(ctx context.Context, item string) error
}

// Environment bundles every primitive. Concrete adapters usually implement all of them.
type Environment interface {
	Interactor
	Navigator
	SignalReader
	Inventory
	Storage() Storage
	Market() Market
}
