package model

import (
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Имена известных RADIUS-атрибутов.
const (
	AttrCleartextPassword = "Cleartext-Password"
	AttrFramedIPAddress   = "Framed-IP-Address"
	AttrFramedIPNetmask   = "Framed-IP-Netmask"
	AttrFramedProtocol    = "Framed-Protocol"
	AttrFramedPool        = "Framed-Pool"
	AttrServiceType       = "Service-Type"
	AttrSessionTimeout    = "Session-Timeout"
	AttrIdleTimeout       = "Idle-Timeout"
	AttrMikrotikRateLimit = "Mikrotik-Rate-Limit"
	AttrMikrotikGroup     = "Mikrotik-Group"
)

// Операторы FreeRADIUS.
const (
	OpSet    = ":="
	OpAssign = "="
	OpEqual  = "=="
)

// Ограничения колонок radcheck/radreply.
const (
	maxAttributeName  = 64
	maxAttributeValue = 253
	maxUsername       = 64
)

// AttributeKind различает атрибуты со схемой и сквозные вендорские.
type AttributeKind int

const (
	// AttributeKnown — атрибут из словаря, значение проверяется
	AttributeKnown AttributeKind = iota
	// AttributeVendor — неизвестный атрибут, передаётся как есть
	AttributeVendor
)

// Attribute — одна пара RADIUS-атрибута (строка radcheck или radreply).
type Attribute struct {
	Name  string
	Op    string
	Value string
	Kind  AttributeKind
}

// attributeSpec — описание известного атрибута.
type attributeSpec struct {
	op       string
	validate func(string) error
}

var (
	attributeNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*$`)
	// rx/tx с необязательными параметрами burst: "10240k/10240k", "1M/2M 2M/4M 1M/2M 8/8"
	rateLimitRe = regexp.MustCompile(`^\d+[kKmMgG]?/\d+[kKmMgG]?( [0-9kKmMgG/ ]+)?$`)
)

var knownAttributes = map[string]attributeSpec{
	AttrCleartextPassword: {op: OpSet, validate: validateNonEmpty},
	AttrFramedIPAddress:   {op: OpAssign, validate: validateIPv4},
	AttrFramedIPNetmask:   {op: OpAssign, validate: validateIPv4},
	AttrFramedProtocol:    {op: OpAssign, validate: validateOneOf("PPP", "SLIP", "ARAP", "GANDALF-SLML", "Xylogics-IPX-SLIP", "X.75-Synchronous")},
	AttrFramedPool:        {op: OpAssign, validate: validateNonEmpty},
	AttrServiceType:       {op: OpAssign, validate: validateOneOf("Framed-User", "Login-User", "Callback-Framed-User", "Outbound-User", "Administrative-User")},
	AttrSessionTimeout:    {op: OpSet, validate: validatePositiveInt},
	AttrIdleTimeout:       {op: OpSet, validate: validatePositiveInt},
	AttrMikrotikRateLimit: {op: OpSet, validate: validateRateLimit},
	AttrMikrotikGroup:     {op: OpSet, validate: validateNonEmpty},
}

// NewAttribute проверяет и создаёт атрибут. Для известных атрибутов
// оператор берётся из словаря и значение проверяется по схеме;
// прочие атрибуты проходят как вендорские с оператором ":=".
func NewAttribute(name, value string) (Attribute, error) {
	if len(name) == 0 || len(name) > maxAttributeName || !attributeNameRe.MatchString(name) {
		return Attribute{}, fmt.Errorf("некорректное имя атрибута %q", name)
	}
	if len(value) > maxAttributeValue {
		return Attribute{}, fmt.Errorf("атрибут %s: значение длиннее %d байт", name, maxAttributeValue)
	}

	spec, ok := knownAttributes[name]
	if !ok {
		if value == "" {
			return Attribute{}, fmt.Errorf("атрибут %s: пустое значение", name)
		}
		return Attribute{Name: name, Op: OpSet, Value: value, Kind: AttributeVendor}, nil
	}
	if err := spec.validate(value); err != nil {
		return Attribute{}, fmt.Errorf("атрибут %s: %w", name, err)
	}
	return Attribute{Name: name, Op: spec.op, Value: value, Kind: AttributeKnown}, nil
}

// KnownAttribute сообщает, есть ли атрибут в словаре.
func KnownAttribute(name string) bool {
	_, ok := knownAttributes[name]
	return ok
}

// ParseAttributes разбирает набор name → value в порядке имён. Ошибка
// первого же некорректного атрибута отклоняет весь набор.
func ParseAttributes(raw map[string]string) ([]Attribute, error) {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	attrs := make([]Attribute, 0, len(raw))
	for _, name := range names {
		a, err := NewAttribute(name, raw[name])
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

// ValidateUsername проверяет RADIUS-логин.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("пустой логин")
	}
	if len(username) > maxUsername {
		return fmt.Errorf("логин длиннее %d символов", maxUsername)
	}
	for _, r := range username {
		if r <= ' ' || r == 0x7f {
			return fmt.Errorf("логин содержит пробельные или управляющие символы")
		}
	}
	return nil
}

// RateLimit формирует значение Mikrotik-Rate-Limit (и rate-limit PPP-профиля)
// из скоростей тарифа в кбит/с: "{up}k/{down}k".
func RateLimit(upKbps, downKbps int) string {
	return fmt.Sprintf("%dk/%dk", upKbps, downKbps)
}

// RadiusUser — желаемое состояние абонента в FreeRADIUS.
type RadiusUser struct {
	Username string
	Password string
	Reply    []Attribute
}

// AccountingSummary — агрегат учётных записей radacct по логину.
type AccountingSummary struct {
	Username           string `json:"username"`
	TotalSessions      int64  `json:"total_sessions"`
	ActiveSessions     int64  `json:"active_sessions"`
	TotalUploadBytes   int64  `json:"total_upload_bytes"`
	TotalDownloadBytes int64  `json:"total_download_bytes"`
	TotalSessionTime   int64  `json:"total_session_time"`
}

// AccountingSession — одна сессия из radacct.
type AccountingSession struct {
	SessionID      string     `json:"session_id"`
	NASIPAddress   string     `json:"nas_ip_address"`
	FramedIP       string     `json:"framed_ip_address,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	StopTime       *time.Time `json:"stop_time,omitempty"`
	SessionTime    int64      `json:"session_time"`
	UploadBytes    int64      `json:"upload_bytes"`
	DownloadBytes  int64      `json:"download_bytes"`
	TerminateCause string     `json:"terminate_cause,omitempty"`
}

// --- Валидаторы ---

func validateNonEmpty(v string) error {
	if v == "" {
		return fmt.Errorf("пустое значение")
	}
	return nil
}

func validateIPv4(v string) error {
	addr, err := netip.ParseAddr(v)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("ожидается IPv4-адрес, получено %q", v)
	}
	return nil
}

func validatePositiveInt(v string) error {
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		return fmt.Errorf("ожидается положительное целое, получено %q", v)
	}
	return nil
}

func validateRateLimit(v string) error {
	if !rateLimitRe.MatchString(v) {
		return fmt.Errorf("некорректный формат rate-limit %q", v)
	}
	return nil
}

func validateOneOf(allowed ...string) func(string) error {
	return func(v string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("недопустимое значение %q", v)
	}
}
