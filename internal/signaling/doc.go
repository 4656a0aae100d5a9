// Package signaling implements the peer registry and message relay used to
// introduce WebRTC peers to each other, plus the wire types shared with the
// agent-side client.
//
// The relay never interprets negotiation payloads. It validates the envelope
// (type and destination), stamps the sender and a timestamp, and forwards the
// message to the destination peer. Every per-peer failure is turned into a
// system reply to the sender.
package signaling
