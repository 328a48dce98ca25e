package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"

	"github.com/park285/tablutboard/internal/auth"
	"github.com/park285/tablutboard/internal/msgcat"
	"github.com/park285/tablutboard/internal/push"
	"github.com/park285/tablutboard/internal/ruleset"
	"github.com/park285/tablutboard/internal/session"
)

type testEnv struct {
	srv  *Server
	auth *auth.Service
	hub  *push.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	rules := ruleset.NewMemoryRepository()
	defaults, err := ruleset.Defaults()
	if err != nil { t.Fatalf("Defaults: %v", err) }
	if _, err := rules.EnsureDefaults(ctx, defaults); err != nil { t.Fatalf("EnsureDefaults: %v", err) }

	authSvc := auth.NewService(auth.NewMemoryUserRepository(), "test-secret", time.Hour)
	tokens := push.NewTokens("channel-secret", time.Hour)
	hub := push.NewHub(tokens, push.NewLocalBroker())
	if err := hub.Start(ctx); err != nil { t.Fatalf("hub start: %v", err) }
	t.Cleanup(func() { _ = hub.Close() })
	msgs, err := msgcat.New("")
	if err != nil { t.Fatalf("msgcat: %v", err) }

	srv, err := New(Deps{
		Sessions:      session.NewManager(rdb, rules, time.Hour),
		Rulesets:      rules,
		Auth:          authSvc,
		Hub:           hub,
		Tokens:        tokens,
		Messages:      msgs,
		PublicBaseURL: "https://tablut.example/",
	})
	if err != nil { t.Fatalf("New: %v", err) }
	return &testEnv{srv: srv, auth: authSvc, hub: hub}
}

// signIn registers username and returns its bearer token.
func (e *testEnv) signIn(t *testing.T, username string) (auth.Identity, string) {
	t.Helper()
	u, err := e.auth.Register(context.Background(), username, "correct horse")
	if err != nil { t.Fatalf("Register %s: %v", username, err) }
	tok, _, err := e.auth.IssueSession(u)
	if err != nil { t.Fatalf("IssueSession: %v", err) }
	return auth.Identity{ID: u.ID, Username: u.Username}, tok
}

func (e *testEnv) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Accept", "application/json")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

type mainResponse struct {
	Game    session.Game `json:"game"`
	Created bool         `json:"created"`
	Seat    string       `json:"seat"`
	Token   string       `json:"token"`
	Share   string       `json:"share_url"`
	Status  string       `json:"status"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil { t.Fatalf("decode %s: %v", w.Body.String(), err) }
	return v
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK { t.Fatalf("status = %d", w.Code) }
}

func TestMainPageRedirectsAnonymous(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/?gamekey=abc", nil)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusFound { t.Fatalf("status = %d", w.Code) }
	if loc := w.Header().Get("Location"); loc != "/login?continue=%2F%3Fgamekey%3Dabc" { t.Fatalf("Location = %q", loc) }
}

func TestRegisterAndLoginJSON(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/register", "", `{"username":"Alice","password":"correct horse"}`)
	if w.Code != http.StatusCreated { t.Fatalf("register status = %d body=%s", w.Code, w.Body.String()) }
	reg := decode[struct {
		Token string `json:"token"`
		User  struct {
			Username string `json:"username"`
		} `json:"user"`
	}](t, w)
	if reg.Token == "" || reg.User.Username != "alice" { t.Fatalf("unexpected register response %+v", reg) }

	if w := e.do(t, http.MethodPost, "/register", "", `{"username":"alice","password":"correct horse"}`); w.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/register", "", `{"username":"bob","password":"short"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("weak password status = %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/login", "", `{"username":"alice","password":"correct horse"}`); w.Code != http.StatusOK {
		t.Fatalf("login status = %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/login", "", `{"username":"alice","password":"wrong password"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", w.Code)
	}
}

func TestLoginFormSetsCookie(t *testing.T) {
	e := newTestEnv(t)
	e.signIn(t, "carol")
	form := url.Values{"username": {"carol"}, "password": {"correct horse"}, "continue": {"/games"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusSeeOther { t.Fatalf("status = %d", w.Code) }
	if loc := w.Header().Get("Location"); loc != "/games" { t.Fatalf("Location = %q", loc) }
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != auth.CookieName || cookies[0].Value == "" || !cookies[0].HttpOnly {
		t.Fatalf("unexpected cookies %+v", cookies)
	}

	// the cookie alone is enough for the games page
	req = httptest.NewRequest(http.MethodGet, "/games", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK { t.Fatalf("games status = %d", w.Code) }
	if !strings.Contains(w.Body.String(), "No games in progress.") { t.Fatalf("unexpected games page: %s", w.Body.String()) }
}

func TestLoginFormFailureRendersNotice(t *testing.T) {
	e := newTestEnv(t)
	form := url.Values{"username": {"nobody"}, "password": {"correct horse"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized { t.Fatalf("status = %d", w.Code) }
	if !strings.Contains(w.Body.String(), "Unknown username or wrong password.") { t.Fatalf("notice missing: %s", w.Body.String()) }
}

func TestStartJoinAndMove(t *testing.T) {
	e := newTestEnv(t)
	_, tokX := e.signIn(t, "alice")
	bob, tokO := e.signIn(t, "bob")
	_, tokZ := e.signIn(t, "zed")

	w := e.do(t, http.MethodGet, "/?ruleset=brandubh", tokX, "")
	if w.Code != http.StatusOK { t.Fatalf("start status = %d body=%s", w.Code, w.Body.String()) }
	start := decode[mainResponse](t, w)
	if !start.Created || start.Seat != session.SeatX || start.Token == "" { t.Fatalf("unexpected start %+v", start) }
	if start.Game.Board != "3a3/3a3/3p3/aapkpaa/3p3/3a3/3a3" { t.Fatalf("board = %q", start.Game.Board) }
	if start.Share != "https://tablut.example/?gamekey="+start.Game.Key { t.Fatalf("share = %q", start.Share) }
	key := start.Game.Key

	if w := e.do(t, http.MethodPost, "/move", tokX, `{"gamekey":"`+key+`","board":"b1"}`); w.Code != http.StatusConflict {
		t.Fatalf("move before join status = %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/?gamekey="+key, tokO, "")
	if w.Code != http.StatusOK { t.Fatalf("join status = %d", w.Code) }
	join := decode[mainResponse](t, w)
	if join.Created || join.Seat != session.SeatO || join.Game.UserO != bob.ID { t.Fatalf("unexpected join %+v", join) }
	if join.Status != "Waiting for alice to move." { t.Fatalf("status text = %q", join.Status) }

	w = e.do(t, http.MethodGet, "/?gamekey="+key, tokZ, "")
	if w.Code != http.StatusOK { t.Fatalf("spectator status = %d", w.Code) }
	if watcher := decode[mainResponse](t, w); watcher.Seat != "" || watcher.Game.UserO != bob.ID { t.Fatalf("spectator took a seat: %+v", watcher) }

	w = e.do(t, http.MethodPost, "/move", tokX, `{"gamekey":"`+key+`","board":"b1","notation":"d1-d2"}`)
	if w.Code != http.StatusOK { t.Fatalf("move status = %d body=%s", w.Code, w.Body.String()) }
	if u := decode[session.Update](t, w); u.MoveX || u.Board != "b1" || u.GamePGN != "1. d1-d2" { t.Fatalf("unexpected update %+v", u) }

	if w := e.do(t, http.MethodPost, "/move", tokX, `{"gamekey":"`+key+`","board":"b2"}`); w.Code != http.StatusConflict {
		t.Fatalf("out of turn status = %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/move", tokZ, `{"gamekey":"`+key+`","board":"b2"}`); w.Code != http.StatusForbidden {
		t.Fatalf("spectator move status = %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/move", tokO, `{"gamekey":"`+key+`","board":"b2","winner":"nobody"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad winner status = %d", w.Code)
	}
	w = e.do(t, http.MethodPost, "/move", tokO, `{"gamekey":"`+key+`","board":"b2","notation":"a4-b4","winner":"o"}`)
	if w.Code != http.StatusOK { t.Fatalf("final move status = %d", w.Code) }
	if u := decode[session.Update](t, w); u.Winner != session.SeatO || u.Text != "bob won the game." { t.Fatalf("unexpected final update %+v", u) }
	if w := e.do(t, http.MethodPost, "/move", tokX, `{"gamekey":"`+key+`","board":"b3"}`); w.Code != http.StatusConflict {
		t.Fatalf("move after finish status = %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/games", tokX, "")
	if w.Code != http.StatusOK { t.Fatalf("games status = %d", w.Code) }
	games := decode[struct {
		Active []session.Game `json:"active"`
	}](t, w)
	if len(games.Active) != 0 { t.Fatalf("finished game listed as active: %+v", games.Active) }
}

func TestMoveAndOpenedRequireLogin(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/move", "/opened"} {
		if w := e.do(t, http.MethodPost, path, "", `{"gamekey":"x"}`); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s status = %d", path, w.Code)
		}
	}
}

func TestUnknownGameAndRuleset(t *testing.T) {
	e := newTestEnv(t)
	_, tok := e.signIn(t, "alice")
	if w := e.do(t, http.MethodGet, "/?gamekey=not-a-key", tok, ""); w.Code != http.StatusNotFound { t.Fatalf("bad key status = %d", w.Code) }
	if w := e.do(t, http.MethodGet, "/?gamekey=1b4e28ba-2fa1-11d2-883f-0016d3cca427", tok, ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing game status = %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/?ruleset=chess", tok, ""); w.Code != http.StatusNotFound { t.Fatalf("unknown ruleset status = %d", w.Code) }
	if w := e.do(t, http.MethodPost, "/opened", tok, `{"gamekey":"1b4e28ba-2fa1-11d2-883f-0016d3cca427"}`); w.Code != http.StatusNotFound {
		t.Fatalf("opened missing game status = %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/opened", tok, `{}`); w.Code != http.StatusBadRequest { t.Fatalf("opened without key status = %d", w.Code) }
}

func TestMainPageHTML(t *testing.T) {
	e := newTestEnv(t)
	_, tok := e.signIn(t, "alice")
	req := httptest.NewRequest(http.MethodGet, "/?ruleset=tablut", nil)
	req.Header.Set("Accept", "text/html")
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: tok})
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK { t.Fatalf("status = %d", w.Code) }
	body := w.Body.String()
	for _, want := range []string{"Invite an opponent", "https://tablut.example/?gamekey=", `"board_size"`, "/channel?token="} {
		if !strings.Contains(body, want) { t.Fatalf("page missing %q", want) }
	}

	req = httptest.NewRequest(http.MethodGet, "/?gamekey=1b4e28ba-2fa1-11d2-883f-0016d3cca427", nil)
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: tok})
	w = httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound { t.Fatalf("missing game status = %d", w.Code) }
	if !strings.Contains(w.Body.String(), "That game does not exist or has expired.") { t.Fatalf("notice missing: %s", w.Body.String()) }
}

func TestJoinAndMovePushToChannel(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	alice, tokX := e.signIn(t, "alice")
	_, tokO := e.signIn(t, "bob")
	start := decode[mainResponse](t, e.do(t, http.MethodGet, "/", tokX, ""))
	if start.Game.Board != "         " { t.Fatalf("blank game board = %q", start.Game.Board) }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/channel?token="+url.QueryEscape(start.Token), nil)
	if err != nil { t.Fatalf("Dial: %v", err) }
	defer conn.Close(websocket.StatusNormalClosure, "")
	clientID := push.ClientID(alice.ID, start.Game.Key)
	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Connected(clientID) == 0 {
		if time.Now().After(deadline) { t.Fatalf("channel never registered") }
		time.Sleep(10 * time.Millisecond)
	}

	read := func() session.Update {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil { t.Fatalf("Read: %v", err) }
		var u session.Update
		if err := json.Unmarshal(data, &u); err != nil { t.Fatalf("decode push: %v", err) }
		return u
	}

	if w := e.do(t, http.MethodPost, "/opened", tokX, `{"gamekey":"`+start.Game.Key+`"}`); w.Code != http.StatusOK { t.Fatalf("opened status = %d", w.Code) }
	if u := read(); u.Key != start.Game.Key || u.Text != "Waiting for an opponent." { t.Fatalf("unexpected opened push %+v", u) }

	if w := e.do(t, http.MethodGet, "/?gamekey="+start.Game.Key, tokO, ""); w.Code != http.StatusOK { t.Fatalf("join status = %d", w.Code) }
	if u := read(); u.NameO != "bob" || u.Text != "bob joined the game." { t.Fatalf("unexpected join push %+v", u) }

	if w := e.do(t, http.MethodPost, "/move", tokX, `{"gamekey":"`+start.Game.Key+`","board":"b1","notation":"e5-e6"}`); w.Code != http.StatusOK {
		t.Fatalf("move status = %d", w.Code)
	}
	if u := read(); u.Board != "b1" || u.Text != "alice played e5-e6. Waiting for bob to move." { t.Fatalf("unexpected move push %+v", u) }
}

func TestRulesetEndpoints(t *testing.T) {
	e := newTestEnv(t)
	_, tok := e.signIn(t, "alice")

	w := e.do(t, http.MethodGet, "/rulesets", "", "")
	if w.Code != http.StatusOK { t.Fatalf("list status = %d", w.Code) }
	if list := decode[struct {
		Rulesets []ruleset.Ruleset `json:"rulesets"`
	}](t, w); len(list.Rulesets) != 3 {
		t.Fatalf("expected 3 default rulesets, got %d", len(list.Rulesets))
	}

	body := `{"name":"Mini","js":"{\"board_size\":5}","fen_start":"1a1a1/5/a1k1a/5/1a1a1"}`
	if w := e.do(t, http.MethodPost, "/rulesets", "", body); w.Code != http.StatusUnauthorized { t.Fatalf("anonymous create status = %d", w.Code) }
	w = e.do(t, http.MethodPost, "/rulesets", tok, body)
	if w.Code != http.StatusCreated { t.Fatalf("create status = %d body=%s", w.Code, w.Body.String()) }
	if w := e.do(t, http.MethodPost, "/rulesets", tok, body); w.Code != http.StatusConflict { t.Fatalf("duplicate status = %d", w.Code) }
	if w := e.do(t, http.MethodPost, "/rulesets", tok, `{"name":"bad","fen_start":"3/3"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid fen status = %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/rulesets/mini", "", "")
	if w.Code != http.StatusOK { t.Fatalf("get status = %d", w.Code) }
	if rs := decode[ruleset.Ruleset](t, w); rs.Name != "mini" || rs.CreatedBy == "" { t.Fatalf("unexpected ruleset %+v", rs) }
	if w := e.do(t, http.MethodGet, "/rulesets/nope", "", ""); w.Code != http.StatusNotFound { t.Fatalf("missing status = %d", w.Code) }
}

func TestRulesetPreview(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/rulesets/brandubh/preview.png?size=20", "", "")
	if w.Code != http.StatusOK { t.Fatalf("status = %d body=%s", w.Code, w.Body.String()) }
	if ct := w.Header().Get("Content-Type"); ct != "image/png" { t.Fatalf("Content-Type = %q", ct) }
	if !strings.HasPrefix(w.Body.String(), "\x89PNG") { t.Fatalf("body is not a PNG") }
	if w := e.do(t, http.MethodGet, "/rulesets/brandubh/preview.png?size=4", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("tiny size status = %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/rulesets/nope/preview.png", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing preview status = %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		session.ErrGameNotFound:    http.StatusNotFound,
		session.ErrNotPlayer:       http.StatusForbidden,
		session.ErrNotYourTurn:     http.StatusConflict,
		session.ErrInvalidWinner:   http.StatusBadRequest,
		auth.ErrInvalidCredentials: http.StatusUnauthorized,
		context.DeadlineExceeded:   http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want { t.Fatalf("statusFor(%v) = %d, want %d", err, got, want) }
	}
}
