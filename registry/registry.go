// Package registry persists the list of monitored rooms and the lock flag
// that freezes it.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"airwatch-service/models"
)

var (
	ErrLocked      = errors.New("room registry is locked")
	ErrNotFound    = errors.New("room not found")
	ErrInvalidRoom = errors.New("invalid room")
)

// DefaultDescription is used for rooms added without one
const DefaultDescription = "Custom ESP32 node"

var (
	roomsKey  = []byte("registry/rooms")
	lockedKey = []byte("registry/locked")
)

// EventKind tells subscribers what changed
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
)

// Event is one registry change
type Event struct {
	Kind EventKind
	Room models.Room
}

// Config configures the backing store
type Config struct {
	Path     string `json:"path"`
	InMemory bool   `json:"inMemory"`
}

// Registry is the ordered, persisted set of rooms
type Registry struct {
	db     *badger.DB
	logger *slog.Logger

	// serializes read-modify-write of the room list
	mu sync.Mutex

	subsMu sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// Open opens (or creates) the registry store
func Open(cfg Config, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Join(cfg.Path, "registry"))
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &Registry{
		db:     db,
		logger: logger,
		subs:   make(map[int]chan Event),
	}, nil
}

// Close closes the store and every subscription
func (r *Registry) Close() error {
	r.subsMu.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.subsMu.Unlock()
	return r.db.Close()
}

// List returns the rooms in insertion order
func (r *Registry) List() ([]models.Room, error) {
	rooms, _, err := r.load()
	return rooms, err
}

// Get returns one room
func (r *Registry) Get(id string) (models.Room, error) {
	rooms, err := r.List()
	if err != nil {
		return models.Room{}, err
	}
	for _, room := range rooms {
		if room.ID == id {
			return room, nil
		}
	}
	return models.Room{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Add validates and appends a room. It is rejected while the registry is locked.
func (r *Registry) Add(room models.Room) (models.Room, error) {
	room.Name = strings.TrimSpace(room.Name)
	room.SourceURL = strings.TrimSpace(room.SourceURL)
	room.Description = strings.TrimSpace(room.Description)
	if err := validate(room); err != nil {
		return models.Room{}, err
	}
	if room.Description == "" {
		room.Description = DefaultDescription
	}
	room.ID = "room-" + uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	locked, err := r.Locked()
	if err != nil {
		return models.Room{}, err
	}
	if locked {
		return models.Room{}, ErrLocked
	}

	rooms, _, err := r.load()
	if err != nil {
		return models.Room{}, err
	}
	if err := r.store(append(rooms, room)); err != nil {
		return models.Room{}, err
	}

	r.logger.Info("room_added", "room", room.ID, "name", room.Name)
	r.notify(Event{Kind: EventAdded, Room: room})
	return room, nil
}

// Remove deletes a room. It is rejected while the registry is locked.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	locked, err := r.Locked()
	if err != nil {
		return err
	}
	if locked {
		return ErrLocked
	}

	rooms, _, err := r.load()
	if err != nil {
		return err
	}

	idx := -1
	for i, room := range rooms {
		if room.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	removed := rooms[idx]
	rooms = append(rooms[:idx], rooms[idx+1:]...)
	if err := r.store(rooms); err != nil {
		return err
	}

	r.logger.Info("room_removed", "room", id)
	r.notify(Event{Kind: EventRemoved, Room: removed})
	return nil
}

// Seed stores the given rooms when the registry has never been written.
// Rooms without an ID get one. It reports whether seeding happened.
func (r *Registry) Seed(rooms []models.Room) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, found, err := r.load()
	if err != nil || found {
		return false, err
	}

	seeded := make([]models.Room, 0, len(rooms))
	for _, room := range rooms {
		if err := validate(room); err != nil {
			return false, fmt.Errorf("seed room %q: %w", room.Name, err)
		}
		if room.ID == "" {
			room.ID = "room-" + uuid.NewString()
		}
		seeded = append(seeded, room)
	}

	if err := r.store(seeded); err != nil {
		return false, err
	}
	r.logger.Info("registry_seeded", "rooms", len(seeded))
	return true, nil
}

// Locked reports whether the room list is frozen
func (r *Registry) Locked() (bool, error) {
	var locked bool
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lockedKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			locked = string(val) == "1"
			return nil
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to read lock flag: %w", err)
	}
	return locked, nil
}

// SetLocked freezes or unfreezes the room list
func (r *Registry) SetLocked(locked bool) error {
	val := []byte("0")
	if locked {
		val = []byte("1")
	}
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(lockedKey, val)
	})
	if err != nil {
		return fmt.Errorf("failed to write lock flag: %w", err)
	}
	r.logger.Info("registry_lock_changed", "locked", locked)
	return nil
}

// Subscribe returns a channel of registry changes and a function that ends
// the subscription. Events are dropped for a subscriber whose buffer is full.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	r.subsMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subsMu.Unlock()

	return ch, func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		if _, ok := r.subs[id]; ok {
			close(ch)
			delete(r.subs, id)
		}
	}
}

func (r *Registry) notify(ev Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Warn("registry_event_dropped", "kind", ev.Kind, "room", ev.Room.ID)
		}
	}
}

// load returns the stored rooms and whether the key exists
func (r *Registry) load() ([]models.Room, bool, error) {
	var payload []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(roomsKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			payload = append([]byte{}, val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return []models.Room{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rooms: %w", err)
	}

	var rooms []models.Room
	if err := json.Unmarshal(payload, &rooms); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal rooms: %w", err)
	}
	return rooms, true, nil
}

func (r *Registry) store(rooms []models.Room) error {
	payload, err := json.Marshal(rooms)
	if err != nil {
		return fmt.Errorf("failed to marshal rooms: %w", err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(roomsKey, payload)
	})
}

func validate(room models.Room) error {
	if strings.TrimSpace(room.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRoom)
	}
	u, err := url.Parse(strings.TrimSpace(room.SourceURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: source URL must be an absolute http(s) URL", ErrInvalidRoom)
	}
	return nil
}
