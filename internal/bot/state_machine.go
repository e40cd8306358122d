package bot

import (
	"fmt"

	"crossarb/internal/models"
)

// ValidTransitions - допустимые переходы парной сделки
var ValidTransitions = map[string][]string{
	models.PairAwaitingPrimary: {models.PairPrimaryFilled, models.PairAborted},
	models.PairPrimaryFilled:   {models.PairHedgeSubmitted, models.PairUnwound, models.PairHedgeFailed},
	models.PairHedgeSubmitted:  {models.PairHedgeFilled, models.PairHedgeTimedOut},
	models.PairHedgeTimedOut:   {models.PairHedgeRetried, models.PairHedgeFailed},
	models.PairHedgeRetried:    {models.PairHedgeFilled, models.PairHedgeTimedOut},
	models.PairHedgeFilled:     {},
	models.PairHedgeFailed:     {},
	models.PairAborted:         {},
	models.PairUnwound:         {},
}

// ValidLegTransitions - допустимые переходы одной ноги
var ValidLegTransitions = map[string][]string{
	models.LegCreated:         {models.LegSubmitted, models.LegRejected},
	models.LegSubmitted:       {models.LegPartiallyFilled, models.LegFilled, models.LegCancelled, models.LegRejected},
	models.LegPartiallyFilled: {models.LegPartiallyFilled, models.LegFilled, models.LegCancelled},
	models.LegFilled:          {},
	models.LegCancelled:       {},
	models.LegRejected:        {},
}

// CanTransition проверяет допустимость перехода парной сделки
func CanTransition(from, to string) bool {
	return allowed(ValidTransitions, from, to)
}

// CanLegTransition проверяет допустимость перехода ноги
func CanLegTransition(from, to string) bool {
	return allowed(ValidLegTransitions, from, to)
}

func allowed(table map[string][]string, from, to string) bool {
	targets, ok := table[from]
	if !ok {
		return false
	}
	for _, s := range targets {
		if s == to {
			return true
		}
	}
	return false
}

// transitionPair переводит сделку в новое состояние
func transitionPair(t *models.PairedTrade, to string) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("invalid pair transition %s -> %s", t.State, to)
	}
	t.State = to
	return nil
}

// transitionLeg переводит ногу в новое состояние
func transitionLeg(o *models.ArbitrageOrder, to string) error {
	if !CanLegTransition(o.State, to) {
		return fmt.Errorf("invalid leg transition %s -> %s", o.State, to)
	}
	o.State = to
	return nil
}

// IsTerminalPairState - закончилась ли сделка
func IsTerminalPairState(s string) bool {
	targets, ok := ValidTransitions[s]
	return ok && len(targets) == 0
}

// IsTerminalLegState - закрыта ли нога
func IsTerminalLegState(s string) bool {
	targets, ok := ValidLegTransitions[s]
	return ok && len(targets) == 0
}

// OutcomeFor возвращает исход для терминального состояния
func OutcomeFor(state string) string {
	switch state {
	case models.PairHedgeFilled:
		return models.OutcomeFullyHedged
	case models.PairHedgeFailed:
		return models.OutcomeHedgeFailed
	case models.PairAborted:
		return models.OutcomeAbortedPreTrade
	case models.PairUnwound:
		return models.OutcomeUnwound
	default:
		return ""
	}
}

// StateInfo возвращает описание состояния для UI
func StateInfo(s string) string {
	switch s {
	case models.PairAwaitingPrimary:
		return "Ожидание исполнения первичной ноги"
	case models.PairPrimaryFilled:
		return "Первичная нога исполнена"
	case models.PairHedgeSubmitted:
		return "Хедж отправлен"
	case models.PairHedgeTimedOut:
		return "Хедж не исполнен в срок"
	case models.PairHedgeRetried:
		return "Повторная попытка хеджа"
	case models.PairHedgeFilled:
		return "Сделка захеджирована"
	case models.PairHedgeFailed:
		return "Хедж не удался! Требуется вмешательство"
	case models.PairAborted:
		return "Сделка отменена до исполнения"
	case models.PairUnwound:
		return "Частичное исполнение закрыто обратной сделкой"
	default:
		return "Неизвестное состояние"
	}
}
