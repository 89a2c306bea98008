package exchange

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxWireDecimals is the most decimals the venue accepts in a price or
// size string.
const maxWireDecimals = 8

func LimitOrderWire(asset int, isBuy bool, size, limit float64, reduceOnly bool, tif Tif, cloid string) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	price, err := floatToWire(limit)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
		Cloid:      cloid,
	}, nil
}

// floatToWire formats a float as the venue's trimmed decimal string and
// refuses values that would silently round past eight decimals.
func floatToWire(x float64) (string, error) {
	fixed := strconv.FormatFloat(x, 'f', maxWireDecimals, 64)
	parsed, err := strconv.ParseFloat(fixed, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-12 {
		return "", fmt.Errorf("value %v loses precision on the wire", x)
	}
	out := strings.TrimRight(strings.TrimRight(fixed, "0"), ".")
	if out == "" || out == "-0" {
		out = "0"
	}
	return out, nil
}
