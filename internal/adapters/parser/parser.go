package parser

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"tg-shift-ledger/internal/domain"
)

// Source перечисляет известные банковские боты-отправители. Выбор грамматики
// по источнику делается на этапе компиляции, а не строковым диспатчем.
type Source int

const (
	// SourceGeneric — запасная грамматика для неизвестных отправителей.
	SourceGeneric Source = iota
	// SourceABA — уведомления ABA PayWay.
	SourceABA
	// SourceACLEDA — уведомления ACLEDA.
	SourceACLEDA
	// SourceWing — уведомления Wing.
	SourceWing
)

// SourceForAuthor определяет источник по имени бота-отправителя.
func SourceForAuthor(author string) Source {
	lowered := strings.ToLower(author)
	switch {
	case strings.Contains(lowered, "payway") || strings.Contains(lowered, "aba"):
		return SourceABA
	case strings.Contains(lowered, "acleda"):
		return SourceACLEDA
	case strings.Contains(lowered, "wing"):
		return SourceWing
	default:
		return SourceGeneric
	}
}

type extractor interface {
	extract(text string) (domain.Extract, bool)
}

// Registry сопоставляет источники уведомлений с грамматиками разбора.
type Registry struct {
	extractors map[Source]extractor
	fallback   extractor
}

var _ domain.Parser = (*Registry)(nil)

// NewRegistry создаёт реестр со всеми известными грамматиками.
func NewRegistry() *Registry {
	generic := &genericExtractor{}
	return &Registry{
		extractors: map[Source]extractor{
			SourceABA:    &abaExtractor{},
			SourceACLEDA: &acledaExtractor{},
			SourceWing:   &wingExtractor{},
		},
		fallback: generic,
	}
}

// Extract разбирает текст уведомления грамматикой, выбранной по отправителю.
// Если грамматика источника не дала совпадения, пробуется запасная.
func (r *Registry) Extract(text, author string) (domain.Extract, bool) {
	source := SourceForAuthor(author)
	if ex, ok := r.extractors[source]; ok {
		if res, matched := ex.extract(text); matched {
			return res, true
		}
	}
	return r.fallback.extract(text)
}

var trxIDRe = regexp.MustCompile(`(?i)(?:trx\.?\s*id|txn\s*id|ref(?:erence)?\s*(?:no\.?|id)?)\s*[:#]?\s*([A-Za-z0-9]+)`)

func findTrxID(text string) string {
	if m := trxIDRe.FindStringSubmatch(text); len(m) == 2 {
		return m[1]
	}
	return ""
}

func parseAmount(raw string) (decimal.Decimal, bool) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	amount, err := decimal.NewFromString(cleaned)
	if err != nil || amount.Sign() <= 0 {
		return decimal.Decimal{}, false
	}
	return amount, true
}

// abaExtractor разбирает уведомления ABA PayWay:
// «Received 10.50 USD from … via ABA PAY. Trx. ID: 123456789».
type abaExtractor struct{}

var abaRe = regexp.MustCompile(`(?i)received\s+([\d,]+(?:\.\d+)?)\s+(USD|KHR)`)

func (abaExtractor) extract(text string) (domain.Extract, bool) {
	m := abaRe.FindStringSubmatch(text)
	if len(m) != 3 {
		return domain.Extract{}, false
	}
	amount, ok := parseAmount(m[1])
	if !ok {
		return domain.Extract{}, false
	}
	return domain.Extract{Currency: strings.ToUpper(m[2]), Amount: amount, TrxID: findTrxID(text)}, true
}

// acledaExtractor разбирает уведомления ACLEDA:
// «USD 25.00 is paid to … Txn ID: ABC123».
type acledaExtractor struct{}

var acledaRe = regexp.MustCompile(`(?i)(USD|KHR)\s+([\d,]+(?:\.\d+)?)\s+(?:is\s+)?(?:paid|received)`)

func (acledaExtractor) extract(text string) (domain.Extract, bool) {
	m := acledaRe.FindStringSubmatch(text)
	if len(m) != 3 {
		return domain.Extract{}, false
	}
	amount, ok := parseAmount(m[2])
	if !ok {
		return domain.Extract{}, false
	}
	return domain.Extract{Currency: strings.ToUpper(m[1]), Amount: amount, TrxID: findTrxID(text)}, true
}

// wingExtractor разбирает уведомления Wing:
// «You have received KHR 40,000 … Ref: W123456».
type wingExtractor struct{}

var wingRe = regexp.MustCompile(`(?i)received\s+(USD|KHR)\s+([\d,]+(?:\.\d+)?)`)

func (wingExtractor) extract(text string) (domain.Extract, bool) {
	m := wingRe.FindStringSubmatch(text)
	if len(m) != 3 {
		return domain.Extract{}, false
	}
	amount, ok := parseAmount(m[2])
	if !ok {
		return domain.Extract{}, false
	}
	return domain.Extract{Currency: strings.ToUpper(m[1]), Amount: amount, TrxID: findTrxID(text)}, true
}

// genericExtractor ищет любую пару «валюта + сумма» в обоих порядках,
// включая символы $ и ៛.
type genericExtractor struct{}

var (
	genericCodeFirstRe   = regexp.MustCompile(`(?i)\b(USD|KHR)\s*([\d,]+(?:\.\d+)?)`)
	genericAmountFirstRe = regexp.MustCompile(`(?i)([\d,]+(?:\.\d+)?)\s*(USD|KHR)\b`)
	genericSymbolRe      = regexp.MustCompile(`([$៛])\s*([\d,]+(?:\.\d+)?)`)
)

func (genericExtractor) extract(text string) (domain.Extract, bool) {
	if m := genericCodeFirstRe.FindStringSubmatch(text); len(m) == 3 {
		if amount, ok := parseAmount(m[2]); ok {
			return domain.Extract{Currency: strings.ToUpper(m[1]), Amount: amount, TrxID: findTrxID(text)}, true
		}
	}
	if m := genericAmountFirstRe.FindStringSubmatch(text); len(m) == 3 {
		if amount, ok := parseAmount(m[1]); ok {
			return domain.Extract{Currency: strings.ToUpper(m[2]), Amount: amount, TrxID: findTrxID(text)}, true
		}
	}
	if m := genericSymbolRe.FindStringSubmatch(text); len(m) == 3 {
		if amount, ok := parseAmount(m[2]); ok {
			currency := "USD"
			if m[1] == "៛" {
				currency = "KHR"
			}
			return domain.Extract{Currency: currency, Amount: amount, TrxID: findTrxID(text)}, true
		}
	}
	return domain.Extract{}, false
}
