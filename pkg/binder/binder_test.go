package binder

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type params struct {
	Title  string `json:"title" mod:"trim" validate:"max=9"`
	Status string `json:"status" validate:"readingstatus"`
	Omit   string `json:"-"`
}

var (
	goodJSON          = `{"title":" Dune ","status":"Reading"}`
	extraFieldsJSON   = `{"title":"Dune","PriorityTimestamp":"2025-01-01T00:00:00Z"}`
	typeErrJSON       = `{"title":123}`
	validationErrJSON = `{"title":"0123456789"}`
	badStatusJSON     = `{"title":"Dune","status":"Skimming"}`
	malformedJSON     = `{"title":`
)

func TestBind(t *testing.T) {
	t.Parallel()
	b, err := New()
	require.NoError(t, err)
	assert.NotNil(t, b)

	t.Run("only allows application/json", func(tt *testing.T) {
		c := newContext(goodJSON, echo.MIMEApplicationXML)
		p := params{}
		err = b.Bind(&p, c)
		assert.Contains(tt, err.Error(), "Unsupported Media Type")
	})

	t.Run("tolerates unknown fields by default", func(tt *testing.T) {
		c := newContext(extraFieldsJSON, echo.MIMEApplicationJSON)
		p := params{}
		err = b.Bind(&p, c)
		require.NoError(tt, err)
		assert.Equal(tt, "Dune", p.Title)
	})

	t.Run("disallows unknown fields when the route opts in", func(tt *testing.T) {
		c := newContext(extraFieldsJSON, echo.MIMEApplicationJSON)
		c.Set("disallow_unknown_fields", true)
		p := params{}
		err = b.Bind(&p, c)
		assert.Contains(tt, err.Error(), `Unknown Parameter "PriorityTimestamp"`)
	})

	t.Run("returns a good message for type errors", func(tt *testing.T) {
		c := newContext(typeErrJSON, echo.MIMEApplicationJSON)
		p := params{}
		err = b.Bind(&p, c)
		assert.Contains(tt, err.Error(), `"title" should be of type string`)
	})

	t.Run("returns malformed payload for broken JSON", func(tt *testing.T) {
		c := newContext(malformedJSON, echo.MIMEApplicationJSON)
		p := params{}
		err = b.Bind(&p, c)
		assert.Contains(tt, err.Error(), "Malformed Payload")
	})

	t.Run("use mod tag to modify params", func(tt *testing.T) {
		c := newContext(goodJSON, echo.MIMEApplicationJSON)
		p := params{}
		err = b.Bind(&p, c)
		require.NoError(tt, err)
		assert.Equal(tt, "Dune", p.Title)
	})

	t.Run("use validate tag to validate params", func(tt *testing.T) {
		c := newContext(validationErrJSON, echo.MIMEApplicationJSON)
		p := params{}
		err = b.Bind(&p, c)
		assert.Contains(tt, err.Error(), "length must be less than or equal to 9 characters")
	})

	t.Run("rejects unknown reading statuses", func(tt *testing.T) {
		c := newContext(badStatusJSON, echo.MIMEApplicationJSON)
		p := params{}
		err = b.Bind(&p, c)
		assert.Contains(tt, err.Error(), `"status" must be one of the following`)
	})

	t.Run("binds query params on GET", func(tt *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(echo.GET, "/?title=Dune", nil)
		rr := httptest.NewRecorder()
		c := e.NewContext(req, rr)

		p := struct {
			Title string `query:"title"`
		}{}
		err = b.Bind(&p, c)
		require.NoError(tt, err)
		assert.Equal(tt, "Dune", p.Title)
	})
}

func newContext(payload, mime string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(echo.POST, "/", strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, mime)
	rr := httptest.NewRecorder()
	return e.NewContext(req, rr)
}
