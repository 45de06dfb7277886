package command

import "testing"

func TestBuildAliasTableRejectsOverlappingWords(t *testing.T) {
	entries := []aliasEntry{
		{NameApprove, []string{"go"}},
		{NameReject, []string{"go"}},
	}
	_, err := buildAliasTable(entries)
	if err == nil {
		t.Fatal("expected an error for a word claimed by two entries")
	}
}

func TestBuildAliasTableAcceptsDisjointWords(t *testing.T) {
	entries := []aliasEntry{
		{NameApprove, []string{"approve", "lgtm"}},
		{NameReject, []string{"reject", "no"}},
	}
	table, err := buildAliasTable(entries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if table["lgtm"] != NameApprove || table["no"] != NameReject {
		t.Fatalf("unexpected table contents: %+v", table)
	}
}

func TestPackageAliasTableIsInternallyConsistent(t *testing.T) {
	if _, err := buildAliasTable(aliasTable); err != nil {
		t.Fatalf("package alias table has an overlap: %v", err)
	}
}
