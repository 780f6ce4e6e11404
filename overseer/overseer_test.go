/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package overseer_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/cocaine-node/runtime/balancer"
	"github.com/cocaine-node/runtime/channel"
	liberr "github.com/cocaine-node/runtime/errors"
	"github.com/cocaine-node/runtime/isolate"
	"github.com/cocaine-node/runtime/manifest"
	"github.com/cocaine-node/runtime/overseer"
	"github.com/cocaine-node/runtime/profile"
	"github.com/cocaine-node/runtime/transport"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var appSeq atomic.Uint64

type neverExitsHandle struct{}

func (neverExitsHandle) Wait(ctx context.Context) (int, bool, error) {
	<-ctx.Done()
	return 0, false, ctx.Err()
}
func (neverExitsHandle) Kill() error { return nil }
func (neverExitsHandle) Pid() int    { return 1 }

type fakeIsolate struct{}

func (fakeIsolate) Type() string { return "fake" }
func (fakeIsolate) Spool(ctx context.Context, appName string, spec isolate.Spec) error {
	return nil
}
func (fakeIsolate) Spawn(ctx context.Context, spec isolate.Spec) (isolate.Handle, error) {
	return neverExitsHandle{}, nil
}

func newTestOverseer(prf profile.Profile) (*overseer.Overseer, manifest.Manifest) {
	n := appSeq.Add(1)
	man := manifest.New(os.TempDir(), fmt.Sprintf("testapp-%d", n), "/bin/true", nil)
	o := overseer.New(man, prf, fakeIsolate{}, &balancer.Load{GrowThreshold: 1}, nil, nil)
	return o, man
}

// dialHandshake connects to the app's control socket as a worker would
// and completes the handshake for uuid, returning the codec for
// further control-channel traffic.
func dialHandshake(endpoint, uuid string) (*transport.Codec, error) {
	conn, err := net.Dial("unix", endpoint)
	if err != nil {
		return nil, err
	}
	codec := transport.New(conn)
	err = codec.Send(transport.Message{Slot: transport.SlotHandshake, Args: []interface{}{uuid}})
	if err != nil {
		return nil, err
	}
	return codec, nil
}

var _ = Describe("Overseer", func() {
	var prf profile.Profile

	BeforeEach(func() {
		prf = profile.Default()
		prf.PoolLimit = 2
	})

	It("completes the handshake rendezvous and reports pool size", func() {
		o, man := newTestOverseer(prf)
		Expect(o.Start(context.Background())).To(BeNil())
		defer o.Stop()

		Expect(o.Spawn(context.Background())).To(BeNil())

		var uuid string
		Eventually(func() int {
			u := o.PendingUUIDs()
			if len(u) > 0 {
				uuid = u[0]
			}
			return len(u)
		}).Should(Equal(1))

		codec, err := dialHandshake(man.Endpoint(), uuid)
		Expect(err).ToNot(HaveOccurred())
		defer codec.Close()

		Eventually(func() int { return o.Info().PoolSize }).Should(Equal(1))
		Expect(o.PendingUUIDs()).To(BeEmpty())
	})

	It("rejects a second Start while already running", func() {
		o, _ := newTestOverseer(prf)
		Expect(o.Start(context.Background())).To(BeNil())
		defer o.Stop()

		err := o.Start(context.Background())
		Expect(err).ToNot(BeNil())
	})

	It("enqueues onto an active slave once its handshake completes", func() {
		o, man := newTestOverseer(prf)
		Expect(o.Start(context.Background())).To(BeNil())
		defer o.Stop()

		Expect(o.Spawn(context.Background())).To(BeNil())
		var uuid string
		Eventually(func() int {
			u := o.PendingUUIDs()
			if len(u) > 0 {
				uuid = u[0]
			}
			return len(u)
		}).Should(Equal(1))

		codec, err := dialHandshake(man.Endpoint(), uuid)
		Expect(err).ToNot(HaveOccurred())
		defer codec.Close()
		Eventually(func() int { return o.Info().PoolSize }).Should(Equal(1))

		done := make(chan struct{})
		var gotCh *channel.Channel
		var gotErr liberr.Error
		admitErr := o.Enqueue("handle", time.Time{}, false, nil, func(ch *channel.Channel, e liberr.Error) {
			gotCh = ch
			gotErr = e
			close(done)
		})
		Expect(admitErr).To(BeNil())

		Eventually(done, time.Second).Should(BeClosed())
		Expect(gotErr).To(BeNil())
		Expect(gotCh).ToNot(BeNil())
	})

	It("rejects enqueue once the queue is at its limit and no slave is free", func() {
		prf.QueueLimit = 1
		prf.PoolLimit = 1
		o, _ := newTestOverseer(prf)
		Expect(o.Start(context.Background())).To(BeNil())
		defer o.Stop()

		// The first enqueue queues (no slave yet) and triggers auto-grow;
		// the spawned slave hasn't handshaked yet, so the second enqueue
		// finds the one-deep queue already full.
		err1 := o.Enqueue("a", time.Time{}, false, nil, nil)
		Expect(err1).To(BeNil())

		err2 := o.Enqueue("b", time.Time{}, false, nil, nil)
		Expect(err2).ToNot(BeNil())
	})
})
