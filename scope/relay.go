// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import (
	"fmt"
	"log"
	"math"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-dso/hydra/frame"
	"github.com/go-dso/hydra/internal/lew"
)

// relay mirrors already-acquired, time-aligned sample buffers to
// external consumers over TCP. It runs on its own goroutine and
// coordinates with the acquisition loop through a single busy flag:
// the acquisition side never blocks on the relay, the relay spins
// briefly while the flag is set and only reads buffers the acquisition
// loop is not currently mutating.
type relay struct {
	msg  *log.Logger
	lis  net.Listener
	busy *atomic.Bool

	seq    atomic.Uint32
	staged []*frame.Event // published by the acquisition loop

	mu   sync.Mutex // guards subs (accept vs broadcast)
	subs []net.Conn

	done chan int
}

func newRelay(addr string, busy *atomic.Bool, msg *log.Logger) (*relay, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("scope: could not listen on %q: %w", addr, err)
	}
	return &relay{
		msg:  msg,
		lis:  lis,
		busy: busy,
		done: make(chan int),
	}, nil
}

func (rly *relay) start() error {
	go rly.accept()
	go rly.run()
	return nil
}

func (rly *relay) stop() {
	select {
	case rly.done <- 1:
		<-rly.done
	case <-time.After(5 * time.Second):
	}
	_ = rly.lis.Close()
}

// publish hands the events of one cycle to the relay. Called from the
// acquisition loop while the busy flag is still set, so the relay
// never observes a half-written cycle.
func (rly *relay) publish(evs []*frame.Event) {
	rly.staged = evs
	rly.seq.Add(1)
}

func (rly *relay) accept() {
	for {
		conn, err := rly.lis.Accept()
		if err != nil {
			return
		}
		rly.msg.Printf("relay: subscriber %v", conn.RemoteAddr())
		rly.mu.Lock()
		rly.subs = append(rly.subs, conn)
		rly.mu.Unlock()
	}
}

func (rly *relay) run() {
	var last uint32
	for {
		select {
		case <-rly.done:
			rly.closeSubs()
			rly.done <- 1
			return
		default:
		}

		cur := rly.seq.Load()
		if cur == last {
			time.Sleep(200 * time.Microsecond)
			continue
		}

		// Wait out the acquisition loop's buffer mutation.
		for rly.busy.Load() {
			runtime.Gosched()
		}

		evs := rly.staged
		msgs := make([][]byte, 0, len(evs))
		for _, ev := range evs {
			msgs = append(msgs, marshalEvent(ev, cur))
		}
		last = cur

		rly.broadcast(msgs)
	}
}

func (rly *relay) broadcast(msgs [][]byte) {
	rly.mu.Lock()
	subs := make([]net.Conn, len(rly.subs))
	copy(subs, rly.subs)
	rly.mu.Unlock()

	var grp errgroup.Group
	for _, sub := range subs {
		sub := sub
		grp.Go(func() error {
			for _, msg := range msgs {
				_, err := sub.Write(msg)
				if err != nil {
					// A dead subscriber never takes the session
					// down: drop it.
					rly.msg.Printf("relay: dropping %v: %+v", sub.RemoteAddr(), err)
					rly.drop(sub)
					return nil
				}
			}
			return nil
		})
	}
	_ = grp.Wait()
}

func (rly *relay) drop(conn net.Conn) {
	_ = conn.Close()
	rly.mu.Lock()
	defer rly.mu.Unlock()
	for i, sub := range rly.subs {
		if sub == conn {
			rly.subs = append(rly.subs[:i], rly.subs[i+1:]...)
			return
		}
	}
}

func (rly *relay) closeSubs() {
	rly.mu.Lock()
	defer rly.mu.Unlock()
	for _, sub := range rly.subs {
		_ = sub.Close()
	}
	rly.subs = nil
}

// relay wire format: 'EVT\0', sequence, board, x-offset (micro
// sub-samples), channel count, then per channel the sample count and
// the samples as little-endian float64 bits.
func marshalEvent(ev *frame.Event, seq uint32) []byte {
	n := 0
	for _, ch := range ev.Chans {
		n += 4 + 8*len(ch)
	}
	buf := make([]byte, 0, 20+n)
	buf = append(buf, 'E', 'V', 'T', 0)

	var u32 [4]byte
	put := func(v uint32) {
		lew.PutU32(u32[:], v)
		buf = append(buf, u32[:]...)
	}
	put(seq)
	put(uint32(ev.Board))
	put(uint32(int32(ev.XOff * 1e6)))
	put(uint32(len(ev.Chans)))
	for _, ch := range ev.Chans {
		put(uint32(len(ch)))
		for _, v := range ch {
			var w [8]byte
			bits := math.Float64bits(v)
			lew.PutU32(w[:4], uint32(bits))
			lew.PutU32(w[4:], uint32(bits>>32))
			buf = append(buf, w[:]...)
		}
	}
	return buf
}
