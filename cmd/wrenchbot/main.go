// Command wrenchbot is the autonomous bug-fixing orchestrator: it ingests
// webhooks from code-host, issue-tracker, chat and error-reporter surfaces,
// turns them into typed tasks, and drives a plan/approve/execute pipeline
// backed by an LLM command-line subprocess.
package main

import "os"

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCommand().Execute(); err != nil {
		return exitCodeFor(err)
	}
	return exitSuccess
}
