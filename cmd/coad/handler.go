package main

import (
	"log/slog"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"

	"github.com/ossbng/bngd/internal/coad"
)

// handler translates RFC 5176 packets into engine IPC requests. The
// engine identifies sessions by Acct-Session-Id; everything else in the
// packet is advisory.
type handler struct {
	ipcSocket string
	logger    *slog.Logger

	// exchange is swapped out in tests.
	exchange func(socketPath string, req coad.Request) (*coad.Response, error)
}

func newHandler(ipcSocket string, logger *slog.Logger) *handler {
	return &handler{
		ipcSocket: ipcSocket,
		logger:    logger,
		exchange:  coad.Exchange,
	}
}

func (h *handler) ServeRADIUS(w radius.ResponseWriter, r *radius.Request) {
	switch r.Code {
	case radius.CodeDisconnectRequest:
		h.serveDisconnect(w, r)
	case radius.CodeCoARequest:
		h.serveCoA(w, r)
	default:
		h.logger.Warn("ignoring unexpected RADIUS code", "code", int(r.Code))
	}
}

func (h *handler) serveDisconnect(w radius.ResponseWriter, r *radius.Request) {
	sessionID := rfc2866.AcctSessionID_GetString(r.Packet)
	username := rfc2865.UserName_GetString(r.Packet)
	h.logger.Info("disconnect-request", "session_id", sessionID, "username", username)

	if sessionID == "" {
		h.logger.Warn("disconnect-request missing Acct-Session-Id")
		h.reply(w, r, radius.CodeDisconnectNAK)
		return
	}

	resp, err := h.exchange(h.ipcSocket, coad.Request{
		Action:    coad.ActionDisconnect,
		SessionID: sessionID,
	})
	if err != nil {
		h.logger.Error("disconnect IPC failed", "session_id", sessionID, "error", err)
		h.reply(w, r, radius.CodeDisconnectNAK)
		return
	}
	if !resp.Success {
		h.logger.Warn("disconnect rejected", "session_id", sessionID, "error", resp.Error)
		h.reply(w, r, radius.CodeDisconnectNAK)
		return
	}

	h.logger.Info("disconnect-ack", "session_id", sessionID)
	h.reply(w, r, radius.CodeDisconnectACK)
}

func (h *handler) serveCoA(w radius.ResponseWriter, r *radius.Request) {
	sessionID := rfc2866.AcctSessionID_GetString(r.Packet)
	filterID := rfc2865.FilterID_GetString(r.Packet)
	h.logger.Info("coa-request", "session_id", sessionID, "filter_id", filterID)

	if sessionID == "" {
		h.logger.Warn("coa-request missing Acct-Session-Id")
		h.reply(w, r, radius.CodeCoANAK)
		return
	}

	resp, err := h.exchange(h.ipcSocket, coad.Request{
		Action:    coad.ActionPolicyChange,
		SessionID: sessionID,
		FilterID:  filterID,
	})
	if err != nil {
		h.logger.Error("coa IPC failed", "session_id", sessionID, "error", err)
		h.reply(w, r, radius.CodeCoANAK)
		return
	}
	if !resp.Success {
		h.logger.Warn("coa rejected", "session_id", sessionID, "error", resp.Error)
		h.reply(w, r, radius.CodeCoANAK)
		return
	}

	h.logger.Info("coa-ack", "session_id", sessionID, "filter_id", filterID)
	h.reply(w, r, radius.CodeCoAACK)
}

func (h *handler) reply(w radius.ResponseWriter, r *radius.Request, code radius.Code) {
	if err := w.Write(r.Response(code)); err != nil {
		h.logger.Error("RADIUS response write failed", "error", err)
	}
}
