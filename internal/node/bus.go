package node

import "github.com/rs/zerolog/log"

// Bus is the minimal in-process stand-in for the real inter-node message
// bus (out of scope per the hard-core/non-goal split): it fans one
// node's emits out to zero or more downstream Emitters, synchronously
// and in call order.
type Bus struct {
	name        string
	downstreams []Emitter
}

// NewBus names a bus after the node it is attached to, for logging.
func NewBus(name string) *Bus {
	return &Bus{name: name}
}

// Subscribe wires a downstream Emitter to receive this bus's emits.
func (b *Bus) Subscribe(e Emitter) {
	b.downstreams = append(b.downstreams, e)
}

// EmitUpdate fans out to every subscriber; a subscriber error is logged
// and does not prevent the remaining subscribers from receiving the
// emit, matching the "in-progress emits are not rolled back" rule.
func (b *Bus) EmitUpdate(indicatorID string, value map[string]any) error {
	for _, d := range b.downstreams {
		if err := d.EmitUpdate(indicatorID, value); err != nil {
			log.Error().Err(err).Str("node", b.name).Str("indicator", indicatorID).Msg("downstream update rejected")
		}
	}
	return nil
}

// EmitWithdraw fans out a withdrawal the same way EmitUpdate does.
func (b *Bus) EmitWithdraw(indicatorID string) error {
	for _, d := range b.downstreams {
		if err := d.EmitWithdraw(indicatorID); err != nil {
			log.Error().Err(err).Str("node", b.name).Str("indicator", indicatorID).Msg("downstream withdraw rejected")
		}
	}
	return nil
}

// LogSink is a terminal Emitter that logs emits instead of forwarding
// them further; it stands in for the out-of-scope downstream publication
// sink (e.g. a Redis-backed data feed).
type LogSink struct {
	Name string
}

func (s LogSink) EmitUpdate(indicatorID string, value map[string]any) error {
	log.Info().Str("sink", s.Name).Str("indicator", indicatorID).Interface("value", value).Msg("update")
	return nil
}

func (s LogSink) EmitWithdraw(indicatorID string) error {
	log.Info().Str("sink", s.Name).Str("indicator", indicatorID).Msg("withdraw")
	return nil
}
