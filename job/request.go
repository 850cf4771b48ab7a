package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xraph/quantops"
)

// Request describes an operation to submit. Volatile fields (the
// confirmation phrase, submission time) are excluded from the
// fingerprint so identical work deduplicates regardless of when or how
// it was confirmed.
type Request struct {
	Kind      Kind           `json:"kind"`
	Strategy  string         `json:"strategy"`
	Symbols   []string       `json:"symbols"`
	Exchange  string         `json:"exchange"`
	Timeframe string         `json:"timeframe"`
	Start     time.Time      `json:"start,omitempty"`
	End       time.Time      `json:"end,omitempty"`
	Params    map[string]any `json:"params,omitempty"`

	// Session fields.
	Permission PermissionLevel `json:"permission,omitempty"`
	Risk       *RiskLimits     `json:"risk,omitempty"`

	// Confirmation is the exact confirmation phrase for live sessions
	// under confirm-required permission. Never part of the fingerprint.
	Confirmation string `json:"confirmation,omitempty"`
}

// Validate checks the request for structural errors. Validation failures
// surface at submit time, before any job is created or rate slot consumed.
func (r *Request) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", quantops.ErrValidation, r.Kind)
	}
	if len(r.Symbols) == 0 {
		return fmt.Errorf("%w: at least one symbol required", quantops.ErrValidation)
	}
	if r.Kind != KindDataImport && r.Strategy == "" {
		return fmt.Errorf("%w: strategy required for kind %q", quantops.ErrValidation, r.Kind)
	}
	if r.Kind == KindBacktest || r.Kind == KindOptimization || r.Kind == KindDataImport {
		if r.Start.IsZero() || r.End.IsZero() {
			return fmt.Errorf("%w: start and end required for kind %q", quantops.ErrValidation, r.Kind)
		}
		if !r.End.After(r.Start) {
			return fmt.Errorf("%w: end %v is not after start %v", quantops.ErrValidation, r.End, r.Start)
		}
	}
	return nil
}

// Fingerprint returns a deterministic hex-encoded hash of the request's
// normalized parameters. Two requests describing the same work produce
// the same fingerprint: symbols are sorted, parameter keys are sorted
// recursively, and timestamps are encoded as Unix nanoseconds.
func (r *Request) Fingerprint() string {
	h := sha256.New()

	writeField(h, "kind", string(r.Kind))
	writeField(h, "strategy", r.Strategy)
	writeField(h, "exchange", r.Exchange)
	writeField(h, "timeframe", r.Timeframe)

	symbols := append([]string(nil), r.Symbols...)
	sort.Strings(symbols)
	writeField(h, "symbols", strings.Join(symbols, ","))

	writeField(h, "start", unixOrZero(r.Start))
	writeField(h, "end", unixOrZero(r.End))

	if len(r.Params) > 0 {
		io.WriteString(h, "params=")
		writeCanonical(h, r.Params)
		io.WriteString(h, ";")
	}

	if r.Risk != nil {
		writeField(h, "risk", fmt.Sprintf("%g/%g/%g",
			r.Risk.MaxPositionSizePct, r.Risk.MaxDailyLossPct, r.Risk.MaxDrawdownPct))
	}

	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w io.Writer, key, value string) {
	fmt.Fprintf(w, "%s=%s;", key, value)
}

func unixOrZero(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return fmt.Sprintf("%d", t.UnixNano())
}

// writeCanonical encodes a value deterministically: map keys are sorted
// at every level, slices keep their order, scalars use their JSON form.
func writeCanonical(w io.Writer, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		io.WriteString(w, "{")
		for _, k := range keys {
			fmt.Fprintf(w, "%q:", k)
			writeCanonical(w, val[k])
			io.WriteString(w, ",")
		}
		io.WriteString(w, "}")
	case []any:
		io.WriteString(w, "[")
		for _, item := range val {
			writeCanonical(w, item)
			io.WriteString(w, ",")
		}
		io.WriteString(w, "]")
	default:
		data, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(w, "%v", val)
			return
		}
		w.Write(data)
	}
}
