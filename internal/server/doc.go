// Package server implements the PeerDrop signaling relay: the presence
// registry and room table (Hub), message classification and routing (Relay),
// and the per-connection session lifecycle (Handler, Client).
//
// Clients authenticate with a token in the WebSocket path, join at most one
// room at a time, and exchange negotiation messages (offers, answers, ICE
// candidates, transfer proposals) addressed to another user's identity. No
// payload bytes pass through the relay.
package server
