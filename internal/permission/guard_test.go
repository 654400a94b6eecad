package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frontclaw/backend/internal/fault"
)

func TestGuard_DenyByDefault(t *testing.T) {
	g := NewGuard("empty", nil)

	assert.Error(t, g.CheckDBAccess("items", false))
	assert.Error(t, g.CheckNetwork("https://example.com/x"))
	assert.Error(t, g.CheckMemoryRead("profile:1"))
	assert.Error(t, g.CheckMemoryWrite("profile:1"))
	assert.Error(t, g.CheckSkill("summarize"))
	assert.Error(t, g.CheckAPIRoute("GET", "/status"))
	assert.False(t, g.CanLogAt("info"))
	assert.False(t, g.CanModifyPrompt())
	assert.False(t, g.CanInterceptSocket())
}

func TestGuard_DeniedErrorShape(t *testing.T) {
	g := NewGuard("worker-a", &Grants{})
	err := g.CheckDBAccess("items", false)
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "worker-a", perr.PluginID)
	assert.Equal(t, "db.tables", perr.Path)
	assert.Equal(t, fault.CodePermissionDenied, fault.CodeOf(err))
}

func TestGuard_DBAccess(t *testing.T) {
	g := NewGuard("p", &Grants{DB: &DBGrant{Tables: []string{"items"}, Access: DBReadOnly}})

	assert.NoError(t, g.CheckDBAccess("items", false))
	assert.Error(t, g.CheckDBAccess("items", true), "write requires read-write access")
	assert.Error(t, g.CheckDBAccess("users", false))
	assert.Error(t, g.CheckDBAccess("*", false), "unknown tables require a wildcard grant")

	rw := NewGuard("p", &Grants{DB: &DBGrant{Tables: []string{"*"}, Access: DBReadWrite}})
	assert.NoError(t, rw.CheckDBAccess("anything", true))
	assert.NoError(t, rw.CheckDBAccess("*", false))
}

func TestGuard_Network(t *testing.T) {
	g := NewGuard("p", &Grants{Network: &NetworkGrant{
		AllowedDomains: []string{"api.example.com", "*.internal.dev"},
	}})

	assert.NoError(t, g.CheckNetwork("https://api.example.com/v1/things"))
	assert.NoError(t, g.CheckNetwork("https://internal.dev/a"), "wildcard matches the bare suffix")
	assert.NoError(t, g.CheckNetwork("https://svc.internal.dev/a"))
	assert.NoError(t, g.CheckNetwork("https://deep.svc.internal.dev/a"))
	assert.Error(t, g.CheckNetwork("https://evil.com/"))
	assert.Error(t, g.CheckNetwork("https://notinternal.dev/"), "suffix match requires a dot boundary")
	assert.Error(t, g.CheckNetwork("::notaurl"))

	all := NewGuard("p", &Grants{Network: &NetworkGrant{AllowAll: true}})
	assert.NoError(t, all.CheckNetwork("https://anywhere.example/"))
}

func TestGuard_MemoryKeys(t *testing.T) {
	g := NewGuard("p", &Grants{Memory: &MemoryGrant{
		Read:  []string{"profile:*", "greeting"},
		Write: []string{"profile:*"},
	}})

	assert.NoError(t, g.CheckMemoryRead("profile:42"))
	assert.NoError(t, g.CheckMemoryRead("greeting"))
	assert.NoError(t, g.CheckMemoryWrite("profile:42"))
	assert.Error(t, g.CheckMemoryRead("other:1"))
	assert.Error(t, g.CheckMemoryWrite("greeting"))
	assert.Error(t, g.CheckMemoryRead("*"), "unscoped list needs a wildcard grant")

	wild := NewGuard("p", &Grants{Memory: &MemoryGrant{Read: []string{"*"}}})
	assert.NoError(t, wild.CheckMemoryRead("*"))
	assert.NoError(t, wild.CheckMemoryRead("anything"))
}

func TestGuard_Skills(t *testing.T) {
	g := NewGuard("p", &Grants{Skills: []string{"summarize", "translator__translate", "vision__*"}})

	assert.NoError(t, g.CheckSkill("summarize"))
	assert.NoError(t, g.CheckSkill("other__summarize"), "namespace strips to the local name")
	assert.NoError(t, g.CheckSkill("translator__translate"))
	assert.NoError(t, g.CheckSkill("vision__ocr"))
	assert.Error(t, g.CheckSkill("vision"))
	assert.Error(t, g.CheckSkill("delete_everything"))

	all := NewGuard("p", &Grants{Skills: []string{"*"}})
	assert.NoError(t, all.CheckSkill("whatever__skill"))
}

func TestGuard_APIRoutes(t *testing.T) {
	g := NewGuard("p", &Grants{API: &APIGrant{
		Routes:  []string{"GET /status", "/webhook", "/files/*", "GET,POST /items"},
		Methods: []string{"POST"},
	}})

	assert.NoError(t, g.CheckAPIRoute("GET", "/status"))
	assert.NoError(t, g.CheckAPIRoute("get", "/status/"), "trailing slash and case normalize")
	assert.Error(t, g.CheckAPIRoute("DELETE", "/status"))

	// bare pattern falls back to top-level methods
	assert.NoError(t, g.CheckAPIRoute("POST", "/webhook"))
	assert.Error(t, g.CheckAPIRoute("GET", "/webhook"))

	// wildcard suffix
	assert.NoError(t, g.CheckAPIRoute("POST", "/files/a/b/c"))
	assert.NoError(t, g.CheckAPIRoute("POST", "/files"))
	assert.Error(t, g.CheckAPIRoute("POST", "/filesystem"))

	// multi-verb spec
	assert.Error(t, g.CheckAPIRoute("PUT", "/items"), "PUT not in GET,POST")
	assert.NoError(t, g.CheckAPIRoute("GET", "/items"))

	// no top-level methods and no verbs: any verb passes
	open := NewGuard("p", &Grants{API: &APIGrant{Routes: []string{"/anything"}}})
	assert.NoError(t, open.CheckAPIRoute("DELETE", "/anything"))
}

func TestGuard_SocketAndLog(t *testing.T) {
	g := NewGuard("p", &Grants{
		Socket: &SocketGrant{CanIntercept: true, Events: []string{"chat", "presence"}},
		Log:    &LogGrant{Enabled: true, Levels: []string{"info", "error"}},
	})

	assert.True(t, g.CanInterceptSocket())
	assert.False(t, g.CanEmitSocket())
	assert.True(t, g.SocketEventAllowed("chat"))
	assert.False(t, g.SocketEventAllowed("admin"))

	assert.True(t, g.CanLogAt("info"))
	assert.True(t, g.CanLogAt("ERROR"))
	assert.False(t, g.CanLogAt("debug"))

	anyLevel := NewGuard("p", &Grants{Log: &LogGrant{Enabled: true}})
	assert.True(t, anyLevel.CanLogAt("debug"))

	wildEvents := NewGuard("p", &Grants{Socket: &SocketGrant{CanIntercept: true, Events: []string{"*"}}})
	assert.True(t, wildEvents.SocketEventAllowed("anything"))
}
