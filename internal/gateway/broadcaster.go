package gateway

import (
	"encoding/json"
	"strconv"
	"time"
)

// Broadcaster wraps each payload in a sequenced envelope and fans it out
// to every client whose filters admit the channel.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates a Broadcaster backed by the given Hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// Broadcast delivers one payload on a channel. The envelope is appended by
// hand rather than marshalled; this path runs once per redis message and
// json.Marshal would dominate it. Every envelope carries a global seq and a
// per-channel seq so clients can spot gaps and ask the replay buffer to fill
// them.
func (b *Broadcaster) Broadcast(channel string, payload []byte) {
	now := time.Now().UTC()

	if b.hub.Latency != nil {
		if src := sourceTimestamp(payload); !src.IsZero() {
			if ms := float64(now.Sub(src).Microseconds()) / 1000.0; ms >= 0 {
				b.hub.Latency.Record(ms)
			}
		}
	}

	b.hub.mu.Lock()
	b.hub.channelSeqs[channel]++
	chSeq := b.hub.channelSeqs[channel]
	b.hub.latest[channel] = latestEntry{Data: payload, TS: now, Seq: chSeq}
	b.hub.seq++
	globalSeq := b.hub.seq
	rb := b.hub.replayBufs[channel]
	if rb == nil {
		rb = NewReplayBuffer(500)
		b.hub.replayBufs[channel] = rb
	}
	b.hub.mu.Unlock()

	broadcastsTotal.Inc()

	env := make([]byte, 0, len(channel)+len(payload)+160)
	env = append(env, `{"channel":"`...)
	env = append(env, channel...)
	env = append(env, `","data":`...)
	env = append(env, payload...)
	env = append(env, `,"ts":"`...)
	env = now.AppendFormat(env, time.RFC3339Nano)
	env = append(env, `","seq":`...)
	env = strconv.AppendInt(env, globalSeq, 10)
	env = append(env, `,"channel_seq":`...)
	env = strconv.AppendInt(env, chSeq, 10)
	env = append(env, '}')

	rb.Push(chSeq, env)

	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for c := range b.hub.clients {
		if !c.matchesChannel(channel) {
			continue
		}
		select {
		case c.send <- env:
			sendsTotal.Inc()
		default:
			// slow consumer; the client's writePump deadline will reap it
			droppedSendsTotal.Inc()
		}
	}
}

// sourceTimestamp reads the "ts" field of a JSON payload, if present, so the
// latency tracker can measure publish-to-broadcast delay.
func sourceTimestamp(payload []byte) time.Time {
	var partial struct {
		TS time.Time `json:"ts"`
	}
	if err := json.Unmarshal(payload, &partial); err == nil {
		return partial.TS
	}
	return time.Time{}
}
