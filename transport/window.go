package transport

import (
	"go.sshwire.dev/sshwire/wire"
)

// LocalWindowSize is the receive window granted to each channel. When
// inbound data has consumed half of it, the accounting sends a
// window-adjust to top it back up.
const LocalWindowSize = 2 * 1024 * 1024

type channelWindow struct {
	remoteID uint32 // the peer's number for this channel
	local    uint32 // bytes the peer may still send us
	remote   uint32 // bytes we may still send, credited by the peer
}

// A WindowAccount tracks the flow-control windows of open channels. The
// transport hands it every decoded inbound packet; packets that are not
// channel traffic are ignored.
type WindowAccount struct {
	channels map[uint32]*channelWindow // keyed by our channel number
}

// NewWindowAccount returns an empty accounting table.
func NewWindowAccount() *WindowAccount {
	return &WindowAccount{channels: make(map[uint32]*channelWindow)}
}

// RemoteWindow returns the send budget currently granted by the peer
// for our channel id, and whether the channel is known.
func (a *WindowAccount) RemoteWindow(id uint32) (uint32, bool) {
	ch, ok := a.channels[id]
	if !ok {
		return 0, false
	}
	return ch.remote, true
}

// ProcessWindow reacts to one inbound packet. Channel-data messages
// debit the local window and, when it runs low, replenish it by
// sending a window-adjust through w.
func (a *WindowAccount) ProcessWindow(data *wire.Buffer, w PacketWriter) error {
	if data.Len() == 0 {
		return nil
	}
	switch data.ReadUint8() {
	case wire.MsgChannelOpenConfirmation:
		id := data.ReadUint32()
		remoteID := data.ReadUint32()
		window := data.ReadUint32()
		data.ReadUint32() // max packet size
		if err := data.Err(); err != nil {
			return err
		}
		a.channels[id] = &channelWindow{
			remoteID: remoteID,
			local:    LocalWindowSize,
			remote:   window,
		}
	case wire.MsgChannelWindowAdjust:
		id := data.ReadUint32()
		add := data.ReadUint32()
		if err := data.Err(); err != nil {
			return err
		}
		if ch := a.channels[id]; ch != nil {
			ch.remote += add
		}
	case wire.MsgChannelData:
		id := data.ReadUint32()
		payload := data.ReadString()
		if err := data.Err(); err != nil {
			return err
		}
		return a.consume(id, uint32(len(payload)), w)
	case wire.MsgChannelExtendedData:
		id := data.ReadUint32()
		data.ReadUint32() // data type code
		payload := data.ReadString()
		if err := data.Err(); err != nil {
			return err
		}
		return a.consume(id, uint32(len(payload)), w)
	case wire.MsgChannelClose:
		id := data.ReadUint32()
		if err := data.Err(); err != nil {
			return err
		}
		delete(a.channels, id)
	}
	return nil
}

func (a *WindowAccount) consume(id, n uint32, w PacketWriter) error {
	ch := a.channels[id]
	if ch == nil {
		return nil
	}
	if n > ch.local {
		ch.local = 0
	} else {
		ch.local -= n
	}
	if ch.local > LocalWindowSize/2 {
		return nil
	}
	grant := LocalWindowSize - ch.local
	adjust := wire.NewBuffer(nil)
	adjust.WriteUint8(wire.MsgChannelWindowAdjust)
	adjust.WriteUint32(ch.remoteID)
	adjust.WriteUint32(grant)
	if err := w.WritePacket(adjust.Bytes()); err != nil {
		return err
	}
	ch.local += grant
	return nil
}
