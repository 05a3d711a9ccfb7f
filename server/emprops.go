package server

// EmProps client protocol. Clients submit jobs over the socket and receive
// progress and terminal frames for their own jobs only. The submission
// correlation lives in a TTL cache, not the store: a restarted hub loses
// the scoping for in-flight jobs, which matches the protocol's
// reconnect-and-resubmit contract.

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/relay/broker"
	"github.com/teranos/relay/errors"
)

// submitJobFrame is the inbound submit_job envelope. The job spec fields
// are flattened alongside the type tag.
type submitJobFrame struct {
	Type string `json:"type"`
	broker.SubmitSpec
}

// handleSubmitFrame processes one submit_job frame from a client socket.
func (s *Server) handleSubmitFrame(sock *socket, payload []byte) {
	if sock.limiter != nil && !sock.limiter.Allow() {
		s.log.Warnw("Client submit rate exceeded",
			"socket_id", sock.id,
			"rate_per_sec", s.opts.SubmitRatePerSec)
		sock.sendError("submit rate exceeded, slow down")
		return
	}

	var frame submitJobFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		sock.sendError("unparseable submit_job frame: " + err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	job, err := s.jobs.Submit(ctx, frame.SubmitSpec)
	if err != nil {
		if errors.IsInvalidRequestError(err) {
			sock.sendError(err.Error())
		} else {
			s.log.Errorw("Socket submission failed",
				"socket_id", sock.id,
				"service", frame.ServiceRequired,
				"error", err)
			sock.sendError("submission failed, try again")
		}
		return
	}

	s.correlate(job.ID, sock.id)
	sock.enqueueJSON(JobAcceptedMessage{
		Type:      "job_accepted",
		JobID:     job.ID,
		Status:    "queued",
		Timestamp: time.Now().UnixMilli(),
	})

	s.log.Infow("Job submitted via socket",
		"job_id", job.ID,
		"socket_id", sock.id,
		"service", job.ServiceRequired,
		"priority", job.Priority)
}

// greetClient sends the connection_established frame. Called before the
// pumps start, so the direct write cannot race the write pump.
func (s *Server) greetClient(sock *socket) {
	msg := ConnectionEstablishedMessage{
		Type:      "connection_established",
		Message:   "connected to relay",
		Timestamp: time.Now().UnixMilli(),
	}
	sock.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sock.conn.WriteJSON(msg); err != nil {
		s.log.Debugw("Failed to send connection greeting",
			"socket_id", sock.id,
			"error", err)
	}
}
