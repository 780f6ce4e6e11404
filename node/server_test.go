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

package node_test

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cocaine-node/runtime/isolate"
	"github.com/cocaine-node/runtime/manifest"
	"github.com/cocaine-node/runtime/node"
	"github.com/cocaine-node/runtime/nodecfg"
	"github.com/cocaine-node/runtime/profile"
	"github.com/cocaine-node/runtime/transport"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var serverSeq atomic.Uint64

type neverExitsHandle struct{}

func (neverExitsHandle) Wait(ctx context.Context) (int, bool, error) {
	<-ctx.Done()
	return 0, false, ctx.Err()
}
func (neverExitsHandle) Kill() error { return nil }
func (neverExitsHandle) Pid() int    { return 1 }

// fakeIsolate stands in for a real isolate.Process backend: instead of
// forking a binary, it reads the uuid Slave.Spawn always passes
// through COCAINE_APP_UUID and hands it to the test so the test can
// dial the control socket and handshake as that worker would.
type fakeIsolate struct {
	spawned chan string
}

func (fakeIsolate) Type() string { return "fake" }
func (fakeIsolate) Spool(ctx context.Context, appName string, spec isolate.Spec) error {
	return nil
}
func (f fakeIsolate) Spawn(ctx context.Context, spec isolate.Spec) (isolate.Handle, error) {
	uuid := ""
	for _, e := range spec.Env {
		if v, ok := strings.CutPrefix(e, "COCAINE_APP_UUID="); ok {
			uuid = v
		}
	}
	if f.spawned != nil {
		f.spawned <- uuid
	}
	return neverExitsHandle{}, nil
}

var _ = Describe("Server", func() {
	It("bridges a client's enqueue stream to a stub worker and back (spec S1)", func() {
		dir := GinkgoT().TempDir()
		store := node.NewDirStore(dir)
		appName := fmt.Sprintf("echo-%d", serverSeq.Add(1))
		Expect(store.Save(appName, node.StoredManifest{Executable: "/bin/true"})).To(Succeed())

		spawned := make(chan string, 1)
		registry := nodecfg.NewRegistry()
		registry.Register("fake", func(_ profile.Isolate) (isolate.Isolate, error) {
			return fakeIsolate{spawned: spawned}, nil
		})

		prf := profile.Default()
		prf.PoolLimit = 1
		prf.Isolate = profile.Isolate{Type: "fake"}

		n := node.New(dir, store, registry, prf, nil, nil)
		Expect(n.StartApp(context.Background(), appName, nil)).To(BeNil())
		defer n.StopAll()

		srv := node.NewServer(n, nil)
		l, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		defer l.Close()
		go srv.Serve(l)

		clientConn, err := net.Dial("tcp", l.Addr().String())
		Expect(err).ToNot(HaveOccurred())
		defer clientConn.Close()
		client := transport.New(clientConn)

		Expect(client.Send(transport.Message{
			ChannelID: 7,
			Slot:      transport.SlotServiceEnqueue,
			Args:      []interface{}{appName, "handle", int64(0), false},
		})).To(Succeed())

		var workerUUID string
		Eventually(spawned, time.Second).Should(Receive(&workerUUID))

		endpoint := manifest.New(dir, appName, "/bin/true", nil).Endpoint()
		workerConn, err := net.Dial("unix", endpoint)
		Expect(err).ToNot(HaveOccurred())
		defer workerConn.Close()
		worker := transport.New(workerConn)

		Expect(worker.Send(transport.Message{Slot: transport.SlotHandshake, Args: []interface{}{workerUUID}})).To(Succeed())

		invoke, err := worker.Recv()
		Expect(err).ToNot(HaveOccurred())
		Expect(invoke.Slot).To(Equal(transport.SlotInvoke))
		Expect(invoke.Args).To(ConsistOf("handle"))

		Expect(worker.Send(transport.Chunk(invoke.ChannelID, []byte("hi")))).To(Succeed())
		Expect(worker.Send(transport.Choke(invoke.ChannelID))).To(Succeed())

		chunk, err := client.Recv()
		Expect(err).ToNot(HaveOccurred())
		Expect(chunk.Slot).To(Equal(transport.SlotChunk))
		Expect(chunk.Args).To(ConsistOf([]byte("hi")))

		choke, err := client.Recv()
		Expect(err).ToNot(HaveOccurred())
		Expect(choke.Slot).To(Equal(transport.SlotChoke))

		Eventually(func() int {
			info, _ := n.Info(appName)
			return info.PoolSize
		}, time.Second).Should(Equal(1))
	})

	It("rejects start_app over the wire for a name with no manifest", func() {
		dir := GinkgoT().TempDir()
		n := node.New(dir, node.NewDirStore(dir), nodecfg.NewRegistry(), profile.Default(), nil, nil)
		srv := node.NewServer(n, nil)

		l, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		defer l.Close()
		go srv.Serve(l)

		conn, err := net.Dial("tcp", l.Addr().String())
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()
		c := transport.New(conn)

		Expect(c.Send(transport.Message{ChannelID: 1, Slot: transport.SlotStartApp, Args: []interface{}{"ghost"}})).To(Succeed())

		reply, err := c.Recv()
		Expect(err).ToNot(HaveOccurred())
		Expect(reply.Slot).To(Equal(transport.SlotError))
	})

	It("lists running apps over the wire", func() {
		dir := GinkgoT().TempDir()
		store := node.NewDirStore(dir)
		appName := fmt.Sprintf("listed-%d", serverSeq.Add(1))
		Expect(store.Save(appName, node.StoredManifest{Executable: "/bin/true"})).To(Succeed())

		n := node.New(dir, store, nodecfg.NewRegistry(), profile.Default(), nil, nil)
		Expect(n.StartApp(context.Background(), appName, nil)).To(BeNil())
		defer n.StopAll()

		srv := node.NewServer(n, nil)
		l, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		defer l.Close()
		go srv.Serve(l)

		conn, err := net.Dial("tcp", l.Addr().String())
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()
		c := transport.New(conn)

		Expect(c.Send(transport.Message{ChannelID: 2, Slot: transport.SlotList})).To(Succeed())

		chunk, err := c.Recv()
		Expect(err).ToNot(HaveOccurred())
		Expect(chunk.Args).To(ConsistOf(appName))

		choke, err := c.Recv()
		Expect(err).ToNot(HaveOccurred())
		Expect(choke.Slot).To(Equal(transport.SlotChoke))
	})
})
