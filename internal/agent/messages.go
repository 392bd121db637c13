package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mappaturasmd/mappatura/internal/backend"
	"github.com/mappaturasmd/mappatura/internal/collector"
	"github.com/mappaturasmd/mappatura/internal/config"
	"github.com/mappaturasmd/mappatura/internal/delivery"
	"github.com/mappaturasmd/mappatura/internal/scheduler"
)

const (
	hudPrefix         = "[SMD] "
	whitelistPanelURL = "https://mappaturasmd.com/operatori"
	endpointMissing   = "(endpoint mancante)"
	emptyValue        = "(vuoto)"
)

// Operator-facing text. The wording is Italian to match the server the
// agent is used on.

func SearchLines(query string, res backend.SearchResult, err error) []string {
	if err != nil {
		return []string{"❌ Errore: " + errorDetail(err)}
	}
	if !res.Success {
		return []string{"❌ Errore: " + backend.DescribeError(res.Error, res.HTTPStatus, nil, res.Message)}
	}
	if len(res.Results) == 0 {
		return []string{"Nessun plot trovato."}
	}
	lines := make([]string, 0, len(res.Results)+1)
	lines = append(lines, fmt.Sprintf("📌 Risultati trovati: %d", len(res.Results)))
	for _, hit := range res.Results {
		lines = append(lines, fmt.Sprintf("• %s (%d, %d)", hit.PlotID, hit.CoordX, hit.CoordZ))
	}
	return lines
}

func WhitelistLines(res backend.WhitelistResult, err error) []string {
	if err != nil {
		return []string{"❌ Richiesta fallita: " + errorDetail(err)}
	}
	switch strings.ToUpper(strings.TrimSpace(res.Status)) {
	case backend.WhitelistAlreadyWhitelisted:
		return []string{"✅ Sei già whitelistato."}
	case backend.WhitelistAlreadyPending:
		return []string{"⏳ Hai già una richiesta in attesa."}
	case backend.WhitelistPending:
		return []string{
			"✅ Richiesta inviata! In attesa di approvazione.",
			"🔗 Apri pannello whitelist: " + whitelistPanelURL,
		}
	default:
		return []string{"❌ Richiesta fallita: " + backend.DescribeError(res.Error, res.HTTPStatus, nil, res.Message)}
	}
}

// AuthSummary reduces a checkAccess outcome to the stored flag and message.
func AuthSummary(res backend.AuthResult, err error) (bool, string) {
	if err != nil {
		return false, errorDetail(err)
	}
	if res.Authorized {
		if strings.TrimSpace(res.Reason) == "" {
			return true, "OK"
		}
		return true, strings.TrimSpace(res.Reason)
	}
	reason := strings.TrimSpace(res.Reason)
	if reason == "" {
		reason = "NOT_AUTHORIZED"
	}
	if res.HTTPStatus > 0 && res.HTTPStatus != 200 {
		reason = fmt.Sprintf("%s HTTP %d", reason, res.HTTPStatus)
	}
	return false, reason
}

func AuthLine(authorized bool) string {
	if authorized {
		return "Whitelist confermata. Mod attiva."
	}
	return "Non whitelistato. Usa /richiestawhitelist e poi /mappatura refresh"
}

// DebugLines describes the effective endpoint setup without calling it.
func DebugLines(cfg config.AppConfig, op backend.Operator) []string {
	raw := cfg.EndpointURL
	normalized := backend.NormalizeURL(raw)
	functionURL := func(name string) string {
		if normalized == "" {
			return endpointMissing
		}
		return backend.FunctionURL(normalized, name)
	}
	return []string{
		"🧪 DEBUG MOD",
		"• endpointUrl: " + orEmpty(raw),
		"• endpointNorm: " + orEmpty(normalized),
		"• checkAccess URL: " + functionURL(backend.FunctionCheckAccess),
		"• searchPlot URL: " + functionURL(backend.FunctionSearchPlot),
		"• submitPlot URL: " + functionURL(backend.FunctionSubmitPlot),
		"• whitelistRequest URL: " + functionURL(backend.FunctionWhitelistRequest),
		"• sessionCode: " + orEmpty(strings.TrimSpace(cfg.SessionCode)),
		"• operator_name: " + orNull(op.Name),
		"• operator_uuid: " + orNull(op.UUID),
	}
}

func DebugAccessLines(res backend.AuthResult, err error) []string {
	if err != nil {
		return []string{"❌ checkAccess: " + errorDetail(err)}
	}
	if res.Authorized {
		reason := strings.TrimSpace(res.Reason)
		if reason == "" {
			reason = "OK"
		}
		return []string{fmt.Sprintf("✅ checkAccess OK (%s)", reason)}
	}
	reason := strings.TrimSpace(res.Reason)
	if reason == "" {
		reason = "NOT_AUTHORIZED"
	}
	status := ""
	if res.HTTPStatus > 0 {
		status = fmt.Sprintf(" HTTP %d", res.HTTPStatus)
	}
	lines := []string{fmt.Sprintf("❌ checkAccess NEGATO (%s%s)", reason, status)}
	if exception := backend.DebugException(res.Debug); exception != "" {
		lines = append(lines, "• exception: "+exception)
	}
	return lines
}

func deliveryLine(ev delivery.Event) string {
	rec := ev.Record
	switch ev.Kind {
	case delivery.EventDelivered:
		return fmt.Sprintf("✅ Plot salvato: %s (%d, %d)", rec.PlotID, rec.CoordX, rec.CoordZ)
	case delivery.EventAlreadyDelivered:
		return "⚠️ Plot già presente: " + rec.PlotID
	case delivery.EventRetrying:
		return fmt.Sprintf("⏳ Invio di %s non riuscito (%s), nuovo tentativo in corso", rec.PlotID, causeText(ev))
	case delivery.EventSuspended:
		return "⏸ Invio sospeso: " + causeText(ev)
	case delivery.EventFailed:
		return "❌ Submit fallito: " + errorDetail(ev.Err)
	default:
		return ""
	}
}

func causeText(ev delivery.Event) string {
	switch {
	case errors.Is(ev.Err, delivery.ErrEndpointMissing):
		return "endpoint mancante"
	case errors.Is(ev.Err, delivery.ErrSessionMissing):
		return "codice sessione mancante"
	case ev.Err != nil:
		return errorDetail(ev.Err)
	default:
		return ev.Cause
	}
}

func probeFailureLine(cell scheduler.Cell, attempts int, err error) string {
	var rejected *scheduler.RejectedError
	if errors.As(err, &rejected) {
		reason := rejected.Reason
		if reason == "" {
			reason = "plot info non disponibile qui"
		}
		return "⚠️ Probe rifiutato: " + reason
	}
	return fmt.Sprintf("⚠️ Nessuna risposta per il chunk (%d, %d) dopo %d tentativi", cell.X, cell.Z, attempts)
}

func recordSkippedLine(rec collector.Record) string {
	return "⚠️ Plot già presente: " + rec.PlotID
}

// errorDetail prefers the operator-facing detail carried by submit errors.
func errorDetail(err error) string {
	if err == nil {
		return "Errore sconosciuto"
	}
	var submitErr *delivery.SubmitError
	if errors.As(err, &submitErr) && strings.TrimSpace(submitErr.Detail) != "" {
		return submitErr.Detail
	}
	var netErr *backend.NetworkError
	if errors.As(err, &netErr) && strings.TrimSpace(netErr.Detail) != "" {
		return "errore di rete: " + netErr.Detail
	}
	if errors.Is(err, backend.ErrEndpointMissing) {
		return "endpoint mancante"
	}
	return err.Error()
}

func orEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return emptyValue
	}
	return s
}

func orNull(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(null)"
	}
	return s
}
