package presence

import (
	"context"
	"log"
	"sort"

	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg/metrics"
	"github.com/akinalp/livecast/transport"
)

// HandleMembership applies a relay membership event.
func (h *sessionHandler) HandleMembership(kind transport.MembershipKind, memberID string) {
	h.c.applyMembership(h.generation, kind, memberID)
}

// OnMembershipEvent applies a membership event to the current session.
// A duplicate join or a leave for an unknown member changes nothing, and the
// count never drops below zero. Events about self are ignored.
func (c *Controller) OnMembershipEvent(kind transport.MembershipKind, memberID string) {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	c.applyMembership(gen, kind, memberID)
}

func (c *Controller) applyMembership(gen uint64, kind transport.MembershipKind, memberID string) {
	c.mu.Lock()
	if gen != c.generation || memberID == "" || memberID == c.selfID {
		c.mu.Unlock()
		return
	}
	if c.state != StateJoining && c.state != StateJoined {
		c.mu.Unlock()
		return
	}

	var msg ChatMessage
	switch kind {
	case transport.MemberJoined:
		if _, known := c.roster[memberID]; known {
			c.mu.Unlock()
			return
		}
		c.addParticipantLocked(memberID)
		if memberID != c.hostID {
			c.viewerCount++
		}
		msg = c.appendSystemLocked(memberID, c.displayNameLocked(memberID)+" joined")

	case transport.MemberLeft:
		if _, known := c.roster[memberID]; !known {
			c.mu.Unlock()
			return
		}
		name := c.displayNameLocked(memberID)
		delete(c.roster, memberID)
		if memberID != c.hostID && c.viewerCount > 0 {
			c.viewerCount--
		}
		msg = c.appendSystemLocked(memberID, name+" left")

	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.emitMessage(msg)
}

// Reconcile replaces the roster and count with a fresh member list. It only
// acts for a joined, non-degraded host; otherwise it returns nil.
//
// The list is fetched without the lock; the delta is computed and written
// in one critical section and dropped if the session changed meanwhile.
// Newly seen members get a join message, vanished members are removed
// silently.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateJoined || c.role != models.RoleHost || c.degraded || c.messaging == nil {
		c.mu.Unlock()
		return nil
	}
	gen := c.generation
	messaging := c.messaging
	channelName := c.channelName
	c.mu.Unlock()

	members, err := transport.WithRetry(ctx, c.cfg.CallTimeout, messaging.Members)
	if err != nil {
		log.Printf("[presence] reconcile skipped channel=%s: %v", channelName, err)
		return err
	}

	c.mu.Lock()
	if gen != c.generation || c.state != StateJoined {
		c.mu.Unlock()
		return nil
	}

	fresh := make(map[string]bool, len(members))
	for _, id := range members {
		if id != "" && id != c.selfID {
			fresh[id] = true
		}
	}

	var added, removed []string
	var announced []ChatMessage
	for id := range fresh {
		if _, known := c.roster[id]; !known {
			added = append(added, id)
		}
	}
	for id := range c.roster {
		if !fresh[id] {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	for _, id := range removed {
		delete(c.roster, id)
	}
	for _, id := range added {
		c.addParticipantLocked(id)
		announced = append(announced, c.appendSystemLocked(id, c.displayNameLocked(id)+" joined"))
	}

	before := c.viewerCount
	c.viewerCount = len(fresh)
	drift := DriftCorrected{
		ChannelName: c.channelName,
		Before:      before,
		After:       c.viewerCount,
		Added:       added,
		Removed:     removed,
	}
	c.mu.Unlock()

	for _, m := range announced {
		c.emitMessage(m)
	}

	if drift.Before != drift.After || len(added) > 0 || len(removed) > 0 {
		metrics.DriftCorrections.Inc()
		log.Printf("[presence] drift corrected %s", drift)
		if c.cfg.OnDriftCorrected != nil {
			c.cfg.OnDriftCorrected(drift)
		}
	}
	return nil
}

// Roster returns the known remote members sorted by id.
func (c *Controller) Roster() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Participant, 0, len(c.roster))
	for _, p := range c.roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Controller) addParticipantLocked(id string) {
	role := models.RoleAudience
	if id == c.hostID {
		role = models.RoleHost
	}
	c.roster[id] = Participant{
		ID:          id,
		DisplayName: defaultDisplayName(id, role),
		Color:       colorFor(id),
		Role:        role,
	}
}

func (c *Controller) displayNameLocked(id string) string {
	if id == c.selfID && c.cfg.DisplayName != "" {
		return c.cfg.DisplayName
	}
	if p, ok := c.roster[id]; ok {
		return p.DisplayName
	}
	role := models.RoleAudience
	if id == c.hostID {
		role = models.RoleHost
	}
	return defaultDisplayName(id, role)
}

func defaultDisplayName(id string, role models.Role) string {
	if role == models.RoleHost {
		return "Host"
	}
	return "Viewer " + id
}
