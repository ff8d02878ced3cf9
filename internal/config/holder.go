package config

import "sync/atomic"

// Holder is the live configuration of the watch daemon. Readers fetch the
// current snapshot on every use and a reload publishes a new one with
// Update. A published snapshot is never modified.
type Holder struct {
	cur  atomic.Pointer[Config]
	path string
}

// NewHolder publishes cfg as the first snapshot. path is the file that
// reloads read.
func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	h.cur.Store(cfg)

	return h
}

// Config returns the snapshot in effect.
func (h *Holder) Config() *Config {
	return h.cur.Load()
}

// Path is the config file the snapshots come from.
func (h *Holder) Path() string {
	return h.path
}

// Update publishes cfg and returns the snapshot it replaced, so callers can
// diff the two.
func (h *Holder) Update(cfg *Config) *Config {
	return h.cur.Swap(cfg)
}
