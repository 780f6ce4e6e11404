/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
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

package errors

// Node service internal/diagnostic error codes. These back the crash
// log and construction-time (start_app) failures. The codes that
// actually travel on the wire (400/500/502/503/504/520) live in
// transport.ErrorCode instead: they share a namespace with the
// protocol, not with this package's other registered ranges
// (MinPkgArchive..MinPkgViper), so mixing the two would collide.
const (
	MinPkgNode = MinAvailable
)

const (
	// Slave lifecycle / crash-log only codes.
	ErrorSpawnTimeout CodeError = iota + MinPkgNode
	ErrorActivateTimeout
	ErrorHeartbeatTimeout
	ErrorTerminateTimeout
	ErrorInvalidState
	ErrorControlIPCError
	ErrorCommittedSuicide

	// Overseer / node façade codes.
	ErrorAlreadyRunning
	ErrorUnknownActivateError
	ErrorQueueOverflow
	ErrorNoManifest
	ErrorInvalidManifest
	ErrorInvalidProfile
	ErrorUnknownComponent
	ErrorNotRunning
	ErrorConnectionAborted
)

func init() {
	RegisterIdFctMessage(ErrorSpawnTimeout, getNodeMessage)
}

func getNodeMessage(code CodeError) string {
	switch code {
	case ErrorSpawnTimeout:
		return "slave did not hand-shake before startup timeout"
	case ErrorActivateTimeout:
		return "slave did not send its first heartbeat before activation timeout"
	case ErrorHeartbeatTimeout:
		return "slave missed its heartbeat deadline"
	case ErrorTerminateTimeout:
		return "slave did not exit before termination timeout, killed forcibly"
	case ErrorInvalidState:
		return "operation invalid for slave's current state"
	case ErrorControlIPCError:
		return "control channel protocol violation or write failure"
	case ErrorCommittedSuicide:
		return "slave process exited with status zero while still active"
	case ErrorAlreadyRunning:
		return "application is already running"
	case ErrorUnknownActivateError:
		return "handshake for an unbound slave uuid"
	case ErrorQueueOverflow:
		return "pending request queue is full"
	case ErrorNoManifest:
		return "no manifest found for application"
	case ErrorInvalidManifest:
		return "manifest is invalid"
	case ErrorInvalidProfile:
		return "profile is out of range"
	case ErrorUnknownComponent:
		return "unknown isolate component type"
	case ErrorNotRunning:
		return "application is not running"
	case ErrorConnectionAborted:
		return "connection aborted"
	}

	return ""
}
