package domain

type QoS int

const (
	QoSUnreliable QoS = 0
	QoSReliable   QoS = 1
)

type ControlMessage struct {
	Sender  DeviceID
	Payload []byte
	QoS     QoS
}
