package backend

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Operator identifies the user the agent acts for.
type Operator struct {
	Name string
	UUID string
}

// CompactUUID drops dashes; the backend stores ids without them.
func (o Operator) CompactUUID() string {
	return strings.ReplaceAll(strings.TrimSpace(o.UUID), "-", "")
}

type AuthResult struct {
	Authorized  bool            `json:"authorized"`
	Reason      string          `json:"reason,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	SessionName string          `json:"session_name,omitempty"`
	Error       string          `json:"error,omitempty"`
	Debug       json.RawMessage `json:"debug,omitempty"`
	HTTPStatus  int             `json:"-"`
}

type SearchResult struct {
	Success    bool        `json:"success"`
	Results    []SearchHit `json:"results"`
	Error      string      `json:"error,omitempty"`
	Message    string      `json:"message,omitempty"`
	HTTPStatus int         `json:"-"`
}

// SearchHit accepts both the long and short field spellings the backend has
// used (plot_id/plot, coord_x/x, coord_z/z).
type SearchHit struct {
	PlotID string `json:"plot_id"`
	CoordX int    `json:"coord_x"`
	CoordZ int    `json:"coord_z"`
	Owner  string `json:"proprietario,omitempty"`
}

func (h *SearchHit) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h.PlotID = firstString(raw, "plot_id", "plot")
	if h.PlotID == "" {
		h.PlotID = "plot"
	}
	h.CoordX = firstInt(raw, "coord_x", "x")
	h.CoordZ = firstInt(raw, "coord_z", "z")
	h.Owner = firstString(raw, "proprietario", "owner")
	return nil
}

type SubmitResult struct {
	Success       bool            `json:"success"`
	AlreadyMapped bool            `json:"alreadyMapped,omitempty"`
	Error         string          `json:"error,omitempty"`
	Message       string          `json:"message,omitempty"`
	Debug         json.RawMessage `json:"debug,omitempty"`
	HTTPStatus    int             `json:"httpStatus"`
}

// Detail is the operator-facing failure description.
func (r SubmitResult) Detail() string {
	return DescribeError(r.Error, r.HTTPStatus, r.Debug, r.Message)
}

const (
	WhitelistPending            = "PENDING"
	WhitelistAlreadyPending     = "ALREADY_PENDING"
	WhitelistAlreadyWhitelisted = "ALREADY_WHITELISTED"
)

type WhitelistResult struct {
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
	HTTPStatus int    `json:"-"`
}

type accessRequest struct {
	OperatorName string `json:"operator_name"`
	OperatorUUID string `json:"operator_uuid,omitempty"`
	PublishCode  string `json:"publish_code,omitempty"`
}

type searchRequest struct {
	OperatorName string `json:"operator_name"`
	OperatorUUID string `json:"operator_uuid,omitempty"`
	SearchQuery  string `json:"search_query"`
	PublishCode  string `json:"publish_code,omitempty"`
}

type submitRequest struct {
	PublishCode  string   `json:"publish_code"`
	OperatorName string   `json:"operator_name"`
	OperatorUUID string   `json:"operator_uuid,omitempty"`
	PlotData     plotData `json:"plot_data"`
}

type plotData struct {
	PlotID        string `json:"plot_id"`
	CoordX        int    `json:"coord_x"`
	CoordZ        int    `json:"coord_z"`
	Dimension     string `json:"dimension,omitempty"`
	Proprietario  string `json:"proprietario,omitempty"`
	UltimoAccesso string `json:"ultimo_accesso,omitempty"`
}

type whitelistRequest struct {
	OperatorName string `json:"operator_name"`
	OperatorUUID string `json:"operator_uuid,omitempty"`
}

func firstString(raw map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(value, &n); err == nil && n.String() != "" {
			return n.String()
		}
	}
	return ""
}

func firstInt(raw map[string]json.RawMessage, keys ...string) int {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(value, &f); err == nil {
			return int(f)
		}
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				return n
			}
		}
	}
	return 0
}
