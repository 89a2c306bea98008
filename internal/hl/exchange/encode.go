package exchange

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// The venue hashes actions over their msgpack encoding with field order
// fixed, so the encoders below write keys explicitly instead of relying on
// struct tag ordering.

// actionEncoder wraps a msgpack encoder and latches the first error so
// the wire layouts below read linearly.
type actionEncoder struct {
	enc *msgpack.Encoder
	err error
}

func newActionEncoder(buf *bytes.Buffer) *actionEncoder {
	return &actionEncoder{enc: msgpack.NewEncoder(buf)}
}

func (e *actionEncoder) mapLen(n int) {
	if e.err == nil {
		e.err = e.enc.EncodeMapLen(n)
	}
}

func (e *actionEncoder) arrayLen(n int) {
	if e.err == nil {
		e.err = e.enc.EncodeArrayLen(n)
	}
}

func (e *actionEncoder) str(v string) {
	if e.err == nil {
		e.err = e.enc.EncodeString(v)
	}
}

func (e *actionEncoder) strField(key, value string) {
	e.str(key)
	e.str(value)
}

func (e *actionEncoder) intField(key string, value int64) {
	e.str(key)
	if e.err == nil {
		e.err = e.enc.EncodeInt(value)
	}
}

func (e *actionEncoder) boolField(key string, value bool) {
	e.str(key)
	if e.err == nil {
		e.err = e.enc.EncodeBool(value)
	}
}

func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return nil, errors.New("action orders are required")
	}
	if action.Grouping == "" {
		action.Grouping = "na"
	}
	var buf bytes.Buffer
	e := newActionEncoder(&buf)
	e.mapLen(3)
	e.strField("type", action.Type)
	e.str("orders")
	e.arrayLen(len(action.Orders))
	for _, order := range action.Orders {
		if err := e.orderWire(order); err != nil {
			return nil, err
		}
	}
	e.strField("grouping", action.Grouping)
	if e.err != nil {
		return nil, e.err
	}
	return buf.Bytes(), nil
}

func EncodeCancelAction(action CancelAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	var buf bytes.Buffer
	e := newActionEncoder(&buf)
	e.mapLen(2)
	e.strField("type", action.Type)
	e.str("cancels")
	e.arrayLen(len(action.Cancels))
	for _, cancel := range action.Cancels {
		e.mapLen(2)
		e.intField("a", int64(cancel.Asset))
		e.intField("o", cancel.OrderID)
	}
	if e.err != nil {
		return nil, e.err
	}
	return buf.Bytes(), nil
}

func (e *actionEncoder) orderWire(order OrderWire) error {
	fields := 6
	if order.Cloid != "" {
		fields++
	}
	e.mapLen(fields)
	e.intField("a", int64(order.Asset))
	e.boolField("b", order.IsBuy)
	e.strField("p", order.Price)
	e.strField("s", order.Size)
	e.boolField("r", order.ReduceOnly)
	e.str("t")
	if e.err == nil {
		if order.OrderType.Limit == nil {
			return errors.New("limit order type required")
		}
		e.mapLen(1)
		e.str("limit")
		e.mapLen(1)
		e.strField("tif", string(order.OrderType.Limit.Tif))
	}
	if order.Cloid != "" {
		e.strField("c", order.Cloid)
	}
	return e.err
}
