package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/retract/internal/engine"
	"github.com/roach88/retract/internal/ir"
)

// Reader is the query surface of the engine.
type Reader interface {
	Member() ir.MemberID
	Lookup(ctx context.Context, key ir.RecordKey) (ir.StoredRecord, error)
	GetCancellationStatus(ctx context.Context, victim ir.RecordKey) (ir.CancellationStatus, error)
	Cancellers(ctx context.Context, victim ir.RecordKey) ([]ir.Record, error)
	PendingStats() (victims, cancels int)
}

// RecordView is the JSON form of a stored record.
type RecordView struct {
	Key        string        `json:"key"`
	CID        string        `json:"cid"`
	Author     ir.MemberID   `json:"author"`
	Type       ir.RecordType `json:"type"`
	GlobalTime uint64        `json:"global_time"`
	Payload    ir.IRObject   `json:"payload,omitempty"`
	Victim     *ir.RecordKey `json:"victim,omitempty"`
	Grants     []ir.Grant    `json:"grants,omitempty"`
	Status     string        `json:"status,omitempty"`
}

// CancellationView is the JSON form of a victim's cancellation status.
type CancellationView struct {
	Victim      string        `json:"victim"`
	Cancelled   bool          `json:"cancelled"`
	CancelledBy *ir.RecordKey `json:"cancelled_by,omitempty"`
	Cancellers  []RecordView  `json:"cancellers"`
}

// NewServer wires the read endpoints into a chi router.
func NewServer(rd Reader) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		victims, cancels := rd.PendingStats()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"member":          rd.Member(),
			"protocol":        ir.ProtocolVersion,
			"version":         ir.NodeVersion,
			"pending_victims": victims,
			"pending_cancels": cancels,
		})
	})

	r.Route("/records/{author}/{type}/{time}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			key, ok := keyParam(w, r)
			if !ok {
				return
			}
			sr, err := rd.Lookup(r.Context(), key)
			if err != nil {
				writeError(w, err)
				return
			}
			view := recordView(sr.Record)
			view.Status = sr.Status.String()
			writeJSON(w, http.StatusOK, view)
		})

		r.Get("/cancellation", func(w http.ResponseWriter, r *http.Request) {
			key, ok := keyParam(w, r)
			if !ok {
				return
			}
			status, err := rd.GetCancellationStatus(r.Context(), key)
			if err != nil {
				writeError(w, err)
				return
			}
			cancellers, err := rd.Cancellers(r.Context(), key)
			if err != nil {
				writeError(w, err)
				return
			}

			view := CancellationView{
				Victim:      key.String(),
				Cancelled:   status.Cancelled(),
				CancelledBy: status.CancelledBy,
				Cancellers:  make([]RecordView, 0, len(cancellers)),
			}
			for _, c := range cancellers {
				cv := recordView(c)
				cv.Status = "inactive"
				if status.CancelledBy != nil && c.Key().SameIdentity(*status.CancelledBy) {
					cv.Status = "active"
				}
				view.Cancellers = append(view.Cancellers, cv)
			}
			writeJSON(w, http.StatusOK, view)
		})
	})

	return r
}

func keyParam(w http.ResponseWriter, r *http.Request) (ir.RecordKey, bool) {
	gt, err := strconv.ParseUint(chi.URLParam(r, "time"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "time must be an unsigned integer"})
		return ir.RecordKey{}, false
	}
	return ir.RecordKey{
		Author:     ir.MemberID(chi.URLParam(r, "author")),
		Type:       ir.RecordType(chi.URLParam(r, "type")),
		GlobalTime: gt,
	}, true
}

func recordView(rec ir.Record) RecordView {
	return RecordView{
		Key:        rec.Key().String(),
		CID:        rec.CID(),
		Author:     rec.Author,
		Type:       rec.Type,
		GlobalTime: rec.GlobalTime,
		Payload:    rec.Payload,
		Victim:     rec.Victim,
		Grants:     rec.Grants,
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, engine.ErrVictimNotFound) {
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
