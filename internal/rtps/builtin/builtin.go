// Package builtin implements the built-in endpoint pair: a stateful
// writer+history and reader+history bound to the liveness topic,
// duplicated for the secure variant. History depths are fixed.
package builtin

import (
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/rtpstypes"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/transport"
)

// TopicPlain and TopicSecure are the liveness topic names.
const (
	TopicPlain  = "DCPSParticipantMessage"
	TopicSecure = "DCPSParticipantMessageSecure"
)

// Pair is one stateful writer+history / reader+history bound to a
// liveness topic variant.
type Pair struct {
	Topic  string
	Writer transport.ReliableWriter
	Reader transport.ReliableReader
}

// newPair constructs a Pair with the fixed history depths.
func newPair(topic string, writerGUID, readerGUID rtpstypes.GUID) Pair {
	wh := transport.NewHistoryCache(transport.WriterHistoryInitialDepth, transport.WriterHistoryMaxDepth)
	rh := transport.NewHistoryCache(transport.ReaderHistoryInitialDepth, transport.ReaderHistoryMaxDepth)
	return Pair{
		Topic:  topic,
		Writer: transport.NewMemoryWriter(writerGUID, wh),
		Reader: transport.NewMemoryReader(readerGUID, rh),
	}
}

// Endpoints holds the plain pair and, when security calls for it, the
// secure pair, for one participant.
type Endpoints struct {
	Plain  Pair
	Secure *Pair // nil unless is_liveliness_protected
}

// New constructs the built-in endpoint pair(s) for a participant. When
// securityProtected is true, a secure pair is also constructed; callers
// determine at runtime (via BuiltinWriter/BuiltinReader) which one
// actually carries traffic — only one pair carries traffic at a time
// per participant direction.
func New(prefix rtpstypes.GUIDPrefix, securityProtected bool) *Endpoints {
	plainW := rtpstypes.GUID{Prefix: prefix, Entity: rtpstypes.EntityIDParticipantMessageWriter}
	plainR := rtpstypes.GUID{Prefix: prefix, Entity: rtpstypes.EntityIDParticipantMessageReader}

	ep := &Endpoints{Plain: newPair(TopicPlain, plainW, plainR)}
	if securityProtected {
		secureW := rtpstypes.GUID{Prefix: prefix, Entity: rtpstypes.EntityIDParticipantMessageSecureWriter}
		secureR := rtpstypes.GUID{Prefix: prefix, Entity: rtpstypes.EntityIDParticipantMessageSecureReader}
		secure := newPair(TopicSecure, secureW, secureR)
		ep.Secure = &secure
	}
	return ep
}

// BuiltinWriter returns the secure pair's writer iff a secure pair
// exists, else the plain pair's writer.
func (e *Endpoints) BuiltinWriter() transport.ReliableWriter {
	if e.Secure != nil {
		return e.Secure.Writer
	}
	return e.Plain.Writer
}

// BuiltinReader returns the secure pair's reader iff a secure pair
// exists, else the plain pair's reader.
func (e *Endpoints) BuiltinReader() transport.ReliableReader {
	if e.Secure != nil {
		return e.Secure.Reader
	}
	return e.Plain.Reader
}
