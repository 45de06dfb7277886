package agent

import "testing"

func TestScanForEnvelopeFindsLastMatchingLine(t *testing.T) {
	tail := []string{
		"some log noise",
		`{"not":"an envelope"}`,
		`{"outcome":"success","plan_ref":"plan-1"}`,
	}
	env, ok := scanForEnvelope(tail)
	if !ok {
		t.Fatal("expected envelope to be found")
	}
	if env.Outcome != "success" || env.PlanRef != "plan-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestScanForEnvelopeReturnsFalseWhenAbsent(t *testing.T) {
	tail := []string{"nothing here", `{"status":"fine"}`}
	_, ok := scanForEnvelope(tail)
	if ok {
		t.Fatal("expected no envelope to be found")
	}
}

func TestScanForEnvelopePrefersLatestOverEarlierMatch(t *testing.T) {
	tail := []string{
		`{"outcome":"failure","retryable":true}`,
		`{"outcome":"success"}`,
	}
	env, ok := scanForEnvelope(tail)
	if !ok || env.Outcome != "success" {
		t.Fatalf("expected the later envelope to win, got %+v ok=%v", env, ok)
	}
}
