// Package registry keeps the deduplicated list of sensors seen while scanning.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bendlink/internal/device"
)

// DefaultSensorName is the advertised name of the evaluation kit.
const DefaultSensorName = "ads_eval_kit"

// Peripheral is one discovered sensor. ID is its identity; the other fields
// reflect the most recent advertisement.
type Peripheral struct {
	ID          string
	Name        string
	RSSI        int
	Connectable bool
	Services    []string
	LastSeen    time.Time
	Raw         device.Advertisement
}

// EventType marks what changed in the registry.
type EventType int

const (
	EventAdded EventType = iota
	EventUpdated
	EventEnumerationCompleted
	EventStopped
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventEnumerationCompleted:
		return "enumeration-completed"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason tells why a scan ended.
type StopReason string

const (
	StopCompleted StopReason = "completed"
	StopCancelled StopReason = "cancelled"
	StopAborted   StopReason = "aborted"
)

// Event is delivered to the observer for every accepted change.
type Event struct {
	Type       EventType
	Peripheral Peripheral
	Reason     StopReason
}

// Watcher identifies one scan. Only callbacks carrying the current watcher
// are applied.
type Watcher uint64

// Filter selects which advertisements become registry entries.
type Filter struct {
	// Name must equal the advertised local name. Empty accepts any name.
	Name string
	// ServiceUUID, when set, must be among the advertised services.
	ServiceUUID string
	// AllowNonConnectable keeps advertisements that cannot be dialed.
	AllowNonConnectable bool
	AllowList           []string
	BlockList           []string
}

// DefaultFilter matches connectable evaluation kits.
func DefaultFilter() Filter {
	return Filter{Name: DefaultSensorName}
}

// Registry holds one entry per distinct peripheral id.
type Registry struct {
	mu      sync.Mutex
	ids     *hashmap.Map[string, struct{}]
	entries []Peripheral
	current Watcher
	next    Watcher

	filter   Filter
	logger   *logrus.Logger
	observer func(Event)
	now      func() time.Time
}

// New creates an empty registry. observer may be nil.
func New(filter Filter, logger *logrus.Logger, observer func(Event)) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if observer == nil {
		observer = func(Event) {}
	}
	return &Registry{
		ids:      hashmap.New[string, struct{}](),
		filter:   filter,
		logger:   logger,
		observer: observer,
		now:      time.Now,
	}
}

// Begin starts a new scan generation: the list is cleared and the returned
// watcher becomes current. Any earlier watcher goes stale.
func (r *Registry) Begin() Watcher {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.current = r.next
	r.ids = hashmap.New[string, struct{}]()
	r.entries = nil
	return r.current
}

// End retires w. Callbacks carrying it are discarded from now on.
func (r *Registry) End(w Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == w {
		r.current = 0
	}
}

// Current returns the active watcher, or 0.
func (r *Registry) Current() Watcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Registry) activeLocked(w Watcher) bool {
	return w != 0 && w == r.current
}

// OnDiscovered inserts rec when its id is new. Reports whether it was inserted.
func (r *Registry) OnDiscovered(w Watcher, rec Peripheral) bool {
	r.mu.Lock()
	if !r.activeLocked(w) || !r.filter.accepts(rec) {
		r.mu.Unlock()
		return false
	}
	if !r.ids.Insert(rec.ID, struct{}{}) {
		r.mu.Unlock()
		return false
	}
	r.entries = append(r.entries, clonePeripheral(rec))
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"device":  rec.Name,
		"address": rec.ID,
		"rssi":    rec.RSSI,
	}).Info("Discovered new device")
	r.observer(Event{Type: EventAdded, Peripheral: clonePeripheral(rec)})
	return true
}

// OnUpdated refreshes the entry with rec's id in place. Updates for ids that
// were never added are ignored.
func (r *Registry) OnUpdated(w Watcher, rec Peripheral) bool {
	r.mu.Lock()
	if !r.activeLocked(w) {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.ids.Get(rec.ID); !ok {
		r.mu.Unlock()
		return false
	}
	var updated Peripheral
	found := false
	for i := range r.entries {
		if r.entries[i].ID == rec.ID {
			r.entries[i] = mergePeripheral(r.entries[i], rec)
			updated = clonePeripheral(r.entries[i])
			found = true
			break
		}
	}
	r.mu.Unlock()

	if found {
		r.observer(Event{Type: EventUpdated, Peripheral: updated})
	}
	return found
}

// OnRemoved is accepted and ignored: entries stay for the whole scan.
func (r *Registry) OnRemoved(w Watcher, id string) {
	r.logger.WithFields(logrus.Fields{
		"address": id,
		"watcher": w,
	}).Debug("Ignoring removal")
}

// OnEnumerationCompleted signals the initial sweep finished.
func (r *Registry) OnEnumerationCompleted(w Watcher) {
	r.mu.Lock()
	ok := r.activeLocked(w)
	count := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.WithField("device_count", count).Info("BLE scan completed")
	r.observer(Event{Type: EventEnumerationCompleted})
}

// OnScanStopped signals the scan ended.
func (r *Registry) OnScanStopped(w Watcher, reason StopReason) {
	r.mu.Lock()
	ok := r.activeLocked(w)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.observer(Event{Type: EventStopped, Reason: reason})
}

// Snapshot returns copies of the entries in discovery order.
func (r *Registry) Snapshot() []Peripheral {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peripheral, len(r.entries))
	for i, p := range r.entries {
		out[i] = clonePeripheral(p)
	}
	return out
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (Peripheral, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.entries {
		if p.ID == id {
			return clonePeripheral(p), true
		}
	}
	return Peripheral{}, false
}

// Len returns the number of distinct peripherals.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Watch runs one scan for duration (0 scans until ctx is done) and feeds
// every advertisement into the registry under a fresh watcher.
func (r *Registry) Watch(ctx context.Context, scanner device.Scanner, duration time.Duration) ([]Peripheral, error) {
	w := r.Begin()
	defer r.End(w)

	var (
		scanCtx context.Context
		cancel  context.CancelFunc
	)
	if duration > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, duration)
	} else {
		scanCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	r.logger.WithField("duration", duration).Info("Starting BLE scan...")

	err := scanner.Scan(scanCtx, true, func(adv device.Advertisement) {
		r.handleAdvertisement(w, adv)
	})
	switch {
	case err == nil || errors.Is(err, context.DeadlineExceeded):
		r.OnEnumerationCompleted(w)
		r.OnScanStopped(w, StopCompleted)
	case errors.Is(err, context.Canceled):
		r.OnScanStopped(w, StopCancelled)
	default:
		r.OnScanStopped(w, StopAborted)
		return r.Snapshot(), fmt.Errorf("scan failed: %w", err)
	}
	return r.Snapshot(), nil
}

// handleAdvertisement adds a new peripheral or updates an existing one.
func (r *Registry) handleAdvertisement(w Watcher, adv device.Advertisement) {
	rec := Peripheral{
		ID:          adv.Addr(),
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		Services:    adv.Services(),
		LastSeen:    r.now(),
		Raw:         adv,
	}
	if !r.OnDiscovered(w, rec) {
		r.OnUpdated(w, rec)
	}
}

// accepts applies the name, connectability, allow/block and service filters.
func (f Filter) accepts(p Peripheral) bool {
	if f.Name != "" && p.Name != f.Name {
		return false
	}
	if !f.AllowNonConnectable && !p.Connectable {
		return false
	}
	if slices.Contains(f.BlockList, p.ID) {
		return false
	}
	if len(f.AllowList) > 0 && !slices.Contains(f.AllowList, p.ID) {
		return false
	}
	if f.ServiceUUID != "" {
		want := device.NormalizeUUID(f.ServiceUUID)
		return slices.ContainsFunc(p.Services, func(s string) bool {
			return device.NormalizeUUID(s) == want
		})
	}
	return true
}

// mergePeripheral applies rec over p. Some advertisement reports omit the
// name or services, so empty values keep what was seen before.
func mergePeripheral(p, rec Peripheral) Peripheral {
	p.RSSI = rec.RSSI
	p.Connectable = rec.Connectable
	p.LastSeen = rec.LastSeen
	p.Raw = rec.Raw
	if rec.Name != "" {
		p.Name = rec.Name
	}
	if len(rec.Services) > 0 {
		p.Services = slices.Clone(rec.Services)
	}
	return p
}

func clonePeripheral(p Peripheral) Peripheral {
	p.Services = slices.Clone(p.Services)
	return p
}
