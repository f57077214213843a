package models

import "testing"

func TestLevelOrdering(t *testing.T) {
	if !LevelOwner.IsAtLeast(LevelAdmin) {
		t.Error("owner should hold admin rights")
	}
	if !LevelAdmin.IsAtLeast(LevelModerator) {
		t.Error("admin should hold moderator rights")
	}
	if LevelMember.IsAtLeast(LevelModerator) {
		t.Error("member should not hold moderator rights")
	}

	if LevelMember.CanManageMembers() {
		t.Error("member should not manage members")
	}
	if !LevelModerator.CanManageMembers() {
		t.Error("moderator should manage members")
	}
	if LevelModerator.CanManageLevels() {
		t.Error("moderator should not manage levels")
	}
	if !LevelAdmin.CanManageLevels() {
		t.Error("admin should manage levels")
	}
}

func TestParseLevelRoundTrip(t *testing.T) {
	for _, level := range []Level{LevelMember, LevelModerator, LevelAdmin, LevelOwner} {
		if got := ParseLevel(level.String()); got != level {
			t.Errorf("ParseLevel(%q) = %d, want %d", level.String(), got, level)
		}
	}
	if got := ParseLevel("grand-vizier"); got != LevelNone {
		t.Errorf("Expected unknown level to parse as none, got %d", got)
	}
}

func TestMemberIsValid(t *testing.T) {
	valid := Member{CircleID: "c1", SingleID: "u1", Type: TypeUser, Level: LevelMember, Status: StatusMember}
	if !valid.IsValid() {
		t.Error("Expected member to be valid")
	}

	missing := Member{CircleID: "c1", Type: TypeUser, Level: LevelMember, Status: StatusMember}
	if missing.IsValid() {
		t.Error("Expected member without singleId to be invalid")
	}

	selfRef := Member{CircleID: "c1", SingleID: "c1", Type: TypeCircle, Level: LevelMember, Status: StatusMember}
	if selfRef.IsValid() {
		t.Error("Expected self-referencing edge to be invalid")
	}
}
