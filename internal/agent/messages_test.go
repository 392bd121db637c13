package agent

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mappaturasmd/mappatura/internal/backend"
	"github.com/mappaturasmd/mappatura/internal/config"
	"github.com/mappaturasmd/mappatura/internal/scheduler"
)

func TestWhitelistLines(t *testing.T) {
	cases := []struct {
		name string
		res  backend.WhitelistResult
		err  error
		want string
	}{
		{name: "whitelisted", res: backend.WhitelistResult{Status: "ALREADY_WHITELISTED"}, want: "✅ Sei già whitelistato."},
		{name: "pending", res: backend.WhitelistResult{Status: "ALREADY_PENDING"}, want: "⏳ Hai già una richiesta in attesa."},
		{name: "sent", res: backend.WhitelistResult{Status: "PENDING"}, want: "✅ Richiesta inviata! In attesa di approvazione."},
		{name: "error body", res: backend.WhitelistResult{Error: "BANNED", Message: "contact staff", HTTPStatus: 403}, want: "❌ Richiesta fallita: BANNED (contact staff)"},
		{name: "bare status", res: backend.WhitelistResult{HTTPStatus: 500}, want: "❌ Richiesta fallita: HTTP 500"},
		{name: "network", err: &backend.NetworkError{Op: "whitelistRequest", Detail: "connection refused"}, want: "❌ Richiesta fallita: errore di rete: connection refused"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, WhitelistLines(tc.res, tc.err)[0])
		})
	}
}

func TestAuthSummary(t *testing.T) {
	ok, msg := AuthSummary(backend.AuthResult{Authorized: true, HTTPStatus: 200}, nil)
	require.True(t, ok)
	require.Equal(t, "OK", msg)

	ok, msg = AuthSummary(backend.AuthResult{Reason: "NOT_WHITELISTED", HTTPStatus: 403}, nil)
	require.False(t, ok)
	require.Equal(t, "NOT_WHITELISTED HTTP 403", msg)

	ok, msg = AuthSummary(backend.AuthResult{}, errors.New("boom"))
	require.False(t, ok)
	require.Equal(t, "boom", msg)
}

func TestSearchLines(t *testing.T) {
	require.Equal(t, []string{"Nessun plot trovato."}, SearchLines("x", backend.SearchResult{Success: true}, nil))
	require.Equal(t, []string{"❌ Errore: HTTP 502"}, SearchLines("x", backend.SearchResult{HTTPStatus: 502}, nil))
	require.Equal(t,
		[]string{"📌 Risultati trovati: 2", "• 1;1 (16, 16)", "• plot (0, 0)"},
		SearchLines("x", backend.SearchResult{Success: true, Results: []backend.SearchHit{
			{PlotID: "1;1", CoordX: 16, CoordZ: 16},
			{PlotID: "plot"},
		}}, nil),
	)
}

func TestDebugLines(t *testing.T) {
	cfg := config.Defaults()
	cfg.EndpointURL = "https://example.test/functions/submitPlot/"
	lines := DebugLines(cfg, backend.Operator{Name: "Steve"})
	require.Contains(t, lines, "• endpointNorm: https://example.test")
	require.Contains(t, lines, "• checkAccess URL: https://example.test/functions/checkAccess")
	require.Contains(t, lines, "• sessionCode: (vuoto)")
	require.Contains(t, lines, "• operator_uuid: (null)")

	cfg.EndpointURL = " "
	require.Contains(t, DebugLines(cfg, backend.Operator{}), "• searchPlot URL: (endpoint mancante)")
}

func TestDebugAccessLines(t *testing.T) {
	lines := DebugAccessLines(backend.AuthResult{
		Reason:     "SESSION_CLOSED",
		HTTPStatus: 404,
		Debug:      json.RawMessage(`{"exception":"NoSuchSession"}`),
	}, nil)
	require.Equal(t, []string{"❌ checkAccess NEGATO (SESSION_CLOSED HTTP 404)", "• exception: NoSuchSession"}, lines)
	require.Equal(t, []string{"✅ checkAccess OK (OK)"}, DebugAccessLines(backend.AuthResult{Authorized: true}, nil))
}

func TestProbeFailureLine(t *testing.T) {
	require.Equal(t,
		"⚠️ Nessuna risposta per il chunk (2, -1) dopo 3 tentativi",
		probeFailureLine(scheduler.Cell{X: 2, Z: -1}, 3, scheduler.ErrRetriesExhausted),
	)
	require.Equal(t, "⚠️ Probe rifiutato: plot info non disponibile qui",
		probeFailureLine(scheduler.Cell{}, 1, &scheduler.RejectedError{}))
}
