package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/wolfeidau/photo-kiosk/ledger"
	"github.com/wolfeidau/photo-kiosk/telemetry"
)

// StatusResponse is the body of GET /status. Sections for components the
// server was not given are omitted.
type StatusResponse struct {
	Sync    *SyncStatus    `json:"sync,omitempty"`
	Ledger  *LedgerStatus  `json:"ledger,omitempty"`
	Queue   *QueueStatus   `json:"queue,omitempty"`
	Display *DisplayStatus `json:"display,omitempty"`
}

// SyncStatus is the live sync engine state.
type SyncStatus struct {
	State    string      `json:"state"`
	LastPass *PassStatus `json:"last_pass,omitempty"`
}

// PassStatus summarises the most recent pass.
type PassStatus struct {
	ID         string    `json:"id"`
	Started    time.Time `json:"started"`
	Duration   string    `json:"duration"`
	Downloaded int       `json:"downloaded"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Bytes      int64     `json:"bytes"`
	Error      string    `json:"error,omitempty"`
}

// LedgerStatus is the persisted sync progress.
type LedgerStatus struct {
	*ledger.SyncState
	Files int    `json:"files"`
	Error string `json:"error,omitempty"`
}

// QueueStatus is the image queue contents. Unset slots are empty strings.
type QueueStatus struct {
	Capacity           int       `json:"capacity"`
	Cursor             int       `json:"cursor"`
	Refills            int64     `json:"refills"`
	Inflight           bool      `json:"refill_inflight"`
	Slots              []string  `json:"slots"`
	ListingSize        int       `json:"listing_size"`
	ListingRefreshedAt time.Time `json:"listing_refreshed_at,omitzero"`
}

// DisplayStatus is the display ticker state.
type DisplayStatus struct {
	LastName      string    `json:"last_name,omitempty"`
	LastDisplayed time.Time `json:"last_displayed,omitzero"`
	LastWork      string    `json:"last_work"`
	Ticks         uint64    `json:"ticks"`
	Displayed     uint64    `json:"displayed"`
	Failures      uint64    `json:"failures"`
}

// handleStatus reports the state of each component.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "status")

	resp := StatusResponse{}

	if s.sync != nil {
		st := &SyncStatus{State: s.sync.State().String()}
		if res := s.sync.LastResult(); res != nil {
			st.LastPass = &PassStatus{
				ID:         res.ID,
				Started:    res.Started,
				Duration:   res.Duration.String(),
				Downloaded: res.Downloaded,
				Skipped:    res.Skipped,
				Failed:     res.Failed,
				Bytes:      res.Bytes,
			}
			if res.Err != nil {
				st.LastPass.Error = res.Err.Error()
			}
		}
		resp.Sync = st
	}

	if s.ledger != nil {
		ls := &LedgerStatus{}
		state, err := s.ledger.SyncState(r.Context())
		if err != nil {
			ls.Error = err.Error()
		} else {
			ls.SyncState = state
		}
		if n, err := s.ledger.CountFiles(r.Context()); err == nil {
			ls.Files = n
		} else if ls.Error == "" {
			ls.Error = err.Error()
		}
		resp.Ledger = ls
	}

	if s.queue != nil {
		snap := s.queue.Snapshot()
		qs := &QueueStatus{
			Capacity:           snap.Capacity,
			Cursor:             snap.Cursor,
			Refills:            snap.Refills,
			Inflight:           snap.Inflight,
			Slots:              make([]string, len(snap.Slots)),
			ListingSize:        len(snap.Listing.Entries),
			ListingRefreshedAt: snap.Listing.RefreshedAt,
		}
		for i, slot := range snap.Slots {
			if slot.IsSet() {
				qs.Slots[i] = slot.Entry.Name
			}
		}
		resp.Queue = qs
	}

	if s.display != nil {
		st := s.display.State()
		resp.Display = &DisplayStatus{
			LastName:      st.LastName,
			LastDisplayed: st.LastDisplayed,
			LastWork:      st.LastWork.String(),
			Ticks:         st.Ticks,
			Displayed:     st.Displayed,
			Failures:      st.Failures,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("encoding status", "error", err)
	}
}
