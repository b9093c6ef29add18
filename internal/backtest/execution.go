package backtest

import (
	"github.com/sirupsen/logrus"
)

// ExecutionHandler fills market orders at the current bar's open, which is
// the bar advanced to after the signal's Market event. Filling at that open
// rather than the signal bar's close removes look-ahead.
type ExecutionHandler struct {
	data           *DataHandler
	commission     float64
	slippagePoints float64
	log            *logrus.Entry
}

// NewExecutionHandler configures fills. commission is the round-turn fee
// charged on opening fills; slippagePoints worsens the fill price on both
// sides.
func NewExecutionHandler(data *DataHandler, commission, slippagePoints float64, logger *logrus.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		data:           data,
		commission:     commission,
		slippagePoints: slippagePoints,
		log:            logger.WithField("component", "backtest"),
	}
}

// ExecuteOrder converts an order into a fill on the queue. LMT and STP are
// not modeled yet and are dropped with a warning.
func (e *ExecutionHandler) ExecuteOrder(ord Order, q *Queue) {
	if ord.Kind != OrderMKT {
		e.log.Warnf("order kind %d not supported, dropping", ord.Kind)
		return
	}
	bar, ok := e.data.CurrentBar(ord.Symbol)
	if !ok {
		e.log.Warnf("no current bar for %s, dropping order", ord.Symbol)
		return
	}

	slip := e.slippagePoints * e.data.Point(ord.Symbol)
	price := bar.Open
	if ord.Direction == DirBuy {
		price += slip
	} else {
		price -= slip
	}

	commission := e.commission
	if ord.Closing {
		commission = 0
	}
	q.Push(Fill{
		Symbol:     ord.Symbol,
		Direction:  ord.Direction,
		Quantity:   ord.Quantity,
		FillPrice:  price,
		Commission: commission,
		Slippage:   slip,
		Closing:    ord.Closing,
		Time:       bar.Time,
	})
}
