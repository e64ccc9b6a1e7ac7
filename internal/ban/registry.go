package ban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/yl2chen/cidranger"

	"gatewarden/internal/clientip"
	"gatewarden/internal/store"
)

// Record is the stored shape of one ban. ExpiresAt is zero for bans
// without a TTL.
type Record struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Auto      bool      `json:"auto_generated"`
}

// Registry answers the banned/whitelisted questions for the pipeline and
// owns ban records in the shared store. Static allow/deny lists from the
// configuration are compiled into prefix tries and never touch the store.
type Registry struct {
	st    store.Store
	ttl   time.Duration
	allow cidranger.Ranger
	deny  cidranger.Ranger

	nowFunc func() time.Time // test hook
}

func NewRegistry(st store.Store, ttl time.Duration, whitelist, blacklist []string) (*Registry, error) {
	allow, err := buildRanger(whitelist)
	if err != nil {
		return nil, fmt.Errorf("ip_whitelist: %w", err)
	}
	deny, err := buildRanger(blacklist)
	if err != nil {
		return nil, fmt.Errorf("ip_blacklist: %w", err)
	}
	return &Registry{st: st, ttl: ttl, allow: allow, deny: deny, nowFunc: time.Now}, nil
}

func buildRanger(entries []string) (cidranger.Ranger, error) {
	r := cidranger.NewPCTrieRanger()
	for _, e := range entries {
		ipnet, err := clientip.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", e, err)
		}
		if err := r.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			return nil, fmt.Errorf("entry %q: %w", e, err)
		}
	}
	return r, nil
}

func (rg *Registry) inRanger(r cidranger.Ranger, ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	ok, err := r.Contains(parsed)
	return err == nil && ok
}

// Whitelisted reports whether ip bypasses the pipeline entirely.
func (rg *Registry) Whitelisted(ip string) bool {
	return rg.inRanger(rg.allow, ip)
}

// IsBanned checks the static blacklist, then the shared store. It is the
// first store touch of every request, so blocked clients cost one lookup.
func (rg *Registry) IsBanned(ctx context.Context, ip string) (bool, error) {
	if rg.inRanger(rg.deny, ip) {
		return true, nil
	}
	return rg.st.Exists(ctx, "ban:"+ip)
}

// Ban upserts an escalation ban for ip. Re-banning an already-banned
// client refreshes the expiry and keeps the original record; no duplicate
// is created.
func (rg *Registry) Ban(ctx context.Context, ip, reason string) error {
	return rg.upsert(ctx, ip, reason, true)
}

// BanManual places an operator ban. Same refresh semantics as Ban, but the
// record is not marked auto-generated.
func (rg *Registry) BanManual(ctx context.Context, ip, reason string) error {
	return rg.upsert(ctx, ip, reason, false)
}

func (rg *Registry) upsert(ctx context.Context, ip, reason string, auto bool) error {
	now := rg.nowFunc()
	rec := Record{IP: ip, Reason: reason, CreatedAt: now, Auto: auto}
	if raw, err := rg.st.Get(ctx, "ban:"+ip); err == nil {
		var existing Record
		if json.Unmarshal([]byte(raw), &existing) == nil {
			// CreatedAt marks when trouble started and survives every
			// refresh. An automatic re-ban keeps the existing record
			// wholesale; an operator ban takes over reason and provenance.
			rec.CreatedAt = existing.CreatedAt
			if auto {
				rec.Reason = existing.Reason
				rec.Auto = existing.Auto
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if rg.ttl > 0 {
		rec.ExpiresAt = now.Add(rg.ttl)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return rg.st.Set(ctx, "ban:"+ip, string(b), rg.ttl)
}

// Unban removes the record; the next IsBanned sees it immediately since no
// layer caches ban state.
func (rg *Registry) Unban(ctx context.Context, ip string) error {
	return rg.st.Del(ctx, "ban:"+ip)
}

// Lookup returns the stored record for ip, if any. Static blacklist
// entries have no record.
func (rg *Registry) Lookup(ctx context.Context, ip string) (Record, bool, error) {
	raw, err := rg.st.Get(ctx, "ban:"+ip)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Active lists current store-backed bans, newest first.
func (rg *Registry) Active(ctx context.Context) ([]Record, error) {
	keys, err := rg.st.ScanKeys(ctx, "ban:")
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(keys))
	for _, k := range keys {
		raw, err := rg.st.Get(ctx, k)
		if errors.Is(err, store.ErrNotFound) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return recs, nil
}
