package agent

import (
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jordigilh/wrenchbot/pkg/types"
)

func TestOwnerOfSplitsOrgFromRepo(t *testing.T) {
	org, installation := ownerOf("acme/widgets")
	assert.Equal(t, "acme", org)
	assert.Equal(t, "acme", installation)
}

func TestOwnerOfFallsBackToWholeStringWithoutSlash(t *testing.T) {
	org, installation := ownerOf("noslash")
	assert.Equal(t, "noslash", org)
	assert.Equal(t, "noslash", installation)
}

func TestStageMapsQueueToExpectedClaimStatusAndTimeout(t *testing.T) {
	planRunner := &Runner{queueName: types.QueuePlan, cfg: Config{PlanTimeout: 7 * time.Minute}}
	st := planRunner.stage()
	assert.Equal(t, types.StatusQueued, st.wantStatus)
	assert.Equal(t, "planning", st.name)
	assert.Equal(t, 7*time.Minute, st.timeout)

	execRunner := &Runner{queueName: types.QueueExecute, cfg: Config{ExecuteTimeout: 9 * time.Minute}}
	st = execRunner.stage()
	assert.Equal(t, types.StatusApproved, st.wantStatus)
	assert.Equal(t, "execution", st.name)
	assert.Equal(t, 9*time.Minute, st.timeout)
}

func TestClassifyRetryableTreatsNonExitErrorsAsRetryable(t *testing.T) {
	assert.True(t, classifyRetryable(errors.New("pipe broke")))
}

func TestClassifyRetryableTreatsCleanNonzeroExitAsFatal(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 3")
	err := cmd.Run()
	var exitErr *exec.ExitError
	assert.ErrorAs(t, err, &exitErr)
	assert.False(t, classifyRetryable(err))
}

func TestClassifyRetryableTreatsSignalKillAsRetryable(t *testing.T) {
	cmd := exec.Command("sh", "-c", "kill -TERM $$; sleep 5")
	err := cmd.Run()
	var exitErr *exec.ExitError
	assert.ErrorAs(t, err, &exitErr)
	assert.True(t, classifyRetryable(err))
}
