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

package slave

// State is one stage of a Slave's life, spawned process through exit.
// Transitions only ever move forward except Active <-> Sealing, which
// can't reverse either once draining has started; any unexpected
// event (bad handshake, missed heartbeat, early exit) moves straight
// to Broken.
type State uint8

const (
	// StateSpawning: isolate.Spawn has been called, waiting for the
	// worker to open its control connection before the startup timer
	// fires.
	StateSpawning State = iota

	// StateUnauthenticated: the worker connected its control socket but
	// hasn't yet presented a handshake frame naming its uuid.
	StateUnauthenticated

	// StateHandshaking: a handshake frame is being validated against
	// the uuid the Overseer is expecting on this endpoint.
	StateHandshaking

	// StateActive: handshake accepted, heartbeats flowing, channels may
	// be injected.
	StateActive

	// StateSealing: draining. No new channels are injected; the slave
	// is terminated once its last open channel closes.
	StateSealing

	// StateTerminating: a terminate control frame was sent (or the pool
	// is shrinking); waiting for the process to exit before the
	// termination timer fires.
	StateTerminating

	// StateBroken: terminal. Crash-logged and evicted from the pool.
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateSealing:
		return "sealing"
	case StateTerminating:
		return "terminating"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}
