package packet

import "github.com/dynabot/dynamq/pkg/er"

// Parse determines the packet type and returns the appropriate parsed packet
func Parse(raw []byte) (*ParsedPacket, error) {
	if len(raw) < 2 {
		return nil, &er.Err{
			Context: "Parser",
			Message: er.ErrShortBuffer,
		}
	}

	packetType := PacketType(raw[0] & 0xF0)
	result := &ParsedPacket{
		Type: packetType,
		Raw:  raw,
	}

	switch packetType {
	case CONNECT:
		connectPacket := &ConnectPacket{}
		if err := connectPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Connect = connectPacket
		return result, nil

	case PUBLISH:
		publishPacket := &PublishPacket{}
		if err := publishPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Publish = publishPacket
		return result, nil

	case PUBACK, PUBREC, PUBREL, PUBCOMP:
		ackPacket := &AckPacket{}
		if err := ackPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Ack = ackPacket
		return result, nil

	case SUBSCRIBE:
		subscribePacket := &SubscribePacket{}
		if err := subscribePacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Subscribe = subscribePacket
		return result, nil

	case UNSUBSCRIBE:
		unsubscribePacket := &UnsubscribePacket{}
		if err := unsubscribePacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Unsubscribe = unsubscribePacket
		return result, nil

	case PINGREQ:
		pingreqPacket := &PingreqPacket{}
		if err := pingreqPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Pingreq = pingreqPacket
		return result, nil

	case CONNACK, SUBACK, UNSUBACK, PINGRESP:
		// Broker→client packets carry no additional parsed form; callers
		// inspect Type and Raw directly.
		return result, nil

	case DISCONNECT:
		disconnectPacket := &DisconnectPacket{}
		if err := disconnectPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Disconnect = disconnectPacket
		return result, nil

	default:
		return nil, &er.Err{
			Context: "Parser",
			Message: er.ErrInvalidPacketType,
		}
	}
}
