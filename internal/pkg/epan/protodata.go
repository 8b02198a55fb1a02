package epan

import (
	"github.com/endorses/lippytap/internal/pkg/memscope"
)

// Per-protocol data attached to a packet. The lifetime is chosen explicitly:
// PacketScope entries live in a map allocated from the context's packet
// scope and vanish when the context is cleaned up, SessionScope
// entries stay attached to the frame number until the session closes and are
// visible again when the same frame is dissected a second time.

type protoDataKey struct {
	proto string
	key   uint32
}

type frameProtoDataKey struct {
	frame uint32
	protoDataKey
}

// AddProtoData stores value for (proto, key) in the given scope, replacing
// any previous value.
func (p *PacketInfo) AddProtoData(kind memscope.Kind, proto string, key uint32, value any) {
	if p.ctx == nil {
		return
	}
	k := protoDataKey{proto: proto, key: key}
	if kind == memscope.SessionScope {
		p.ctx.session.protoData[frameProtoDataKey{frame: p.Frame.Number, protoDataKey: k}] = value
		return
	}
	p.ctx.packetData(true)[k] = value
}

// GetProtoData looks up (proto, key) in the given scope.
func (p *PacketInfo) GetProtoData(kind memscope.Kind, proto string, key uint32) (any, bool) {
	if p.ctx == nil {
		return nil, false
	}
	k := protoDataKey{proto: proto, key: key}
	var v any
	var ok bool
	if kind == memscope.SessionScope {
		v, ok = p.ctx.session.protoData[frameProtoDataKey{frame: p.Frame.Number, protoDataKey: k}]
	} else {
		v, ok = p.ctx.packetData(false)[k]
	}
	return v, ok
}

// RemoveProtoData deletes (proto, key) from the given scope.
func (p *PacketInfo) RemoveProtoData(kind memscope.Kind, proto string, key uint32) {
	if p.ctx == nil {
		return
	}
	k := protoDataKey{proto: proto, key: key}
	if kind == memscope.SessionScope {
		delete(p.ctx.session.protoData, frameProtoDataKey{frame: p.Frame.Number, protoDataKey: k})
		return
	}
	delete(p.ctx.packetData(false), k)
}
