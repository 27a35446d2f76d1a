// Package session serializes externally triggered intents into one
// ordered processing stream and holds the single state record the
// presentation layer observes.
package session

import (
	"github.com/mohamedebrahem13/ble-order/bluetooth"
	"github.com/mohamedebrahem13/ble-order/orders"
)

// ConnectionState is the read-only connection half of the state record.
type ConnectionState struct {
	Phase  string `json:"phase"`
	Detail string `json:"detail,omitempty"`
}

// State is the one record through which the core reports to the
// outside world. It is only ever written by the dispatcher worker;
// consumers get copies.
type State struct {
	Connection   ConnectionState `json:"connection"`
	Order        orders.State    `json:"order"`
	FailedOrders []string        `json:"failed_orders"`
}

func connectionStateFrom(ev bluetooth.PhaseEvent) ConnectionState {
	return ConnectionState{Phase: ev.Phase.String(), Detail: ev.Detail}
}

// Intent is one externally triggered action. The set is closed: the
// dispatcher switches over every variant and rejects nothing silently.
type Intent interface {
	isIntent()
}

// ScanAndConnect asks the controller to find and connect the cashier.
type ScanAndConnect struct{}

// SendOrderData submits one order payload for durable delivery.
type SendOrderData struct {
	Payload string
}

// DeleteUnsentOrder permanently removes an unsent order by id.
type DeleteUnsentOrder struct {
	ID int64
}

func (ScanAndConnect) isIntent()    {}
func (SendOrderData) isIntent()     {}
func (DeleteUnsentOrder) isIntent() {}
