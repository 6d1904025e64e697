package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	act := New("navigate", "https://unite-hub.com", "Open the homepage", 0.9)

	assert.True(t, len(act.ID) > len("act_"))
	assert.Equal(t, "navigate", act.Type)
	assert.Equal(t, 0.9, act.Confidence)
	assert.False(t, act.CreatedAt.IsZero())
}

func TestOriginHost(t *testing.T) {
	act := New("navigate", "https://APP.Unite-Hub.com:8443/path?q=1", "", 0.9)
	assert.Equal(t, "app.unite-hub.com", act.OriginHost())

	act.TargetURL = ""
	assert.Equal(t, "", act.OriginHost())

	act.TargetURL = "::not-a-url::"
	assert.Equal(t, "", act.OriginHost())
}

func TestFieldNames(t *testing.T) {
	act := New("fill_form", "", "", 0.9)
	assert.Nil(t, act.FieldNames())

	act.Params = map[string]string{"email": "", "password": ""}
	names := act.FieldNames()
	assert.Len(t, names, 2)
	assert.ElementsMatch(t, []string{"email", "password"}, names)
}

func TestNewPlan(t *testing.T) {
	steps := []Action{New("navigate", "https://unite-hub.com", "", 0.9)}
	plan := NewPlan(steps)

	assert.True(t, len(plan.ID) > len("plan_"))
	assert.Len(t, plan.Steps, 1)
}
