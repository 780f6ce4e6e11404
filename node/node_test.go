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
	"sync/atomic"
	"time"

	"github.com/cocaine-node/runtime/channel"
	liberr "github.com/cocaine-node/runtime/errors"
	"github.com/cocaine-node/runtime/node"
	"github.com/cocaine-node/runtime/nodecfg"
	"github.com/cocaine-node/runtime/profile"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var appSeq atomic.Uint64

func newTestNode(dir string) *node.Node {
	prf := profile.Default()
	prf.PoolLimit = 1
	return node.New(dir, node.NewDirStore(dir), nodecfg.NewRegistry(), prf, nil, nil)
}

var _ = Describe("Node facade", func() {
	var dir string
	var store *node.DirStore
	var appName string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		store = node.NewDirStore(dir)
		appName = fmt.Sprintf("app-%d", appSeq.Add(1))
		Expect(store.Save(appName, node.StoredManifest{Executable: "/bin/true"})).To(Succeed())
	})

	It("starts an app from its stored manifest and lists it", func() {
		n := newTestNode(dir)
		Expect(n.StartApp(context.Background(), appName, nil)).To(BeNil())
		defer n.StopAll()

		Expect(n.List()).To(ConsistOf(appName))

		info, err := n.Info(appName)
		Expect(err).To(BeNil())
		Expect(info.PoolSize).To(Equal(0))
	})

	It("rejects starting an app that is already running", func() {
		n := newTestNode(dir)
		Expect(n.StartApp(context.Background(), appName, nil)).To(BeNil())
		defer n.StopAll()

		err := n.StartApp(context.Background(), appName, nil)
		Expect(err).ToNot(BeNil())
	})

	It("rejects start_app for a name with no stored manifest", func() {
		n := newTestNode(dir)
		err := n.StartApp(context.Background(), "no-such-app", nil)
		Expect(err).ToNot(BeNil())
	})

	It("rejects enqueue and info for an app that was never started", func() {
		n := newTestNode(dir)

		_, err := n.Info("never-started")
		Expect(err).ToNot(BeNil())

		enqErr := n.Enqueue("never-started", "handle", time.Time{}, false, nil, func(_ *channel.Channel, _ liberr.Error) {})
		Expect(enqErr).ToNot(BeNil())
	})

	It("pauses a running app and forgets it", func() {
		n := newTestNode(dir)
		Expect(n.StartApp(context.Background(), appName, nil)).To(BeNil())

		Expect(n.PauseApp(appName)).To(BeNil())
		Expect(n.List()).To(BeEmpty())

		Expect(n.PauseApp(appName)).ToNot(BeNil())
	})
})
