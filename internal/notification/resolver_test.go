package notification

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func recipientIDs(rs []Recipient) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}

func TestResolverResolve(t *testing.T) {
	dir := newFakeDirectory(
		Recipient{ID: "u1"}, Recipient{ID: "u2"}, Recipient{ID: "u3"}, Recipient{ID: "u4"},
	)
	dir.inactive["u4"] = true
	dir.roles["teacher"] = []string{"u1", "u2"}
	dir.roles["parent"] = []string{"u3", "u4"}
	dir.classes["class-a"] = []string{"u2", "u3"}
	dir.classes["empty"] = nil

	tests := []struct {
		name string
		spec TargetSpec
		want []string
	}{
		{
			name: "all users skips inactive",
			spec: TargetSpec{Kind: TargetAllUsers},
			want: []string{"u1", "u2", "u3"},
		},
		{
			name: "specific users drops unknown and inactive",
			spec: TargetSpec{Kind: TargetSpecificUsers, UserIDs: []string{"u3", "ghost", "u4", "u1"}},
			want: []string{"u1", "u3"},
		},
		{
			name: "specific users deduplicates",
			spec: TargetSpec{Kind: TargetSpecificUsers, UserIDs: []string{"u2", "u2"}},
			want: []string{"u2"},
		},
		{
			name: "empty user list resolves to nobody",
			spec: TargetSpec{Kind: TargetSpecificUsers},
			want: []string{},
		},
		{
			name: "role based",
			spec: TargetSpec{Kind: TargetRoleBased, Roles: []string{"parent"}},
			want: []string{"u3"},
		},
		{
			name: "class based",
			spec: TargetSpec{Kind: TargetClassBased, ClassIDs: []string{"class-a"}},
			want: []string{"u2", "u3"},
		},
		{
			name: "class with no members",
			spec: TargetSpec{Kind: TargetClassBased, ClassIDs: []string{"empty"}},
			want: []string{},
		},
		{
			name: "combined is a deduplicated union",
			spec: TargetSpec{Kind: TargetCombined, Targets: []TargetSpec{
				{Kind: TargetRoleBased, Roles: []string{"teacher"}},
				{Kind: TargetClassBased, ClassIDs: []string{"class-a"}},
				{Kind: TargetSpecificUsers, UserIDs: []string{"u1"}},
			}},
			want: []string{"u1", "u2", "u3"},
		},
		{
			name: "combined with no children",
			spec: TargetSpec{Kind: TargetCombined},
			want: []string{},
		},
	}

	r := NewResolver(dir)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), testTenant, tt.spec)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if ids := recipientIDs(got); !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("Resolve() = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestResolverRejectsMalformedTargets(t *testing.T) {
	dir := newFakeDirectory(Recipient{ID: "u1"})
	dir.classes["class-a"] = []string{"u1"}

	tests := []struct {
		name  string
		spec  TargetSpec
		field string
	}{
		{"missing kind", TargetSpec{}, "target.kind"},
		{"unknown kind", TargetSpec{Kind: "EVERYONE"}, "target.kind"},
		{"unknown class", TargetSpec{Kind: TargetClassBased, ClassIDs: []string{"class-a", "class-z"}}, "target.class_ids"},
		{
			"nested combined",
			TargetSpec{Kind: TargetCombined, Targets: []TargetSpec{{Kind: TargetCombined}}},
			"target.targets[0]",
		},
	}

	r := NewResolver(dir)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), testTenant, tt.spec)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Resolve() error = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("ValidationError.Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestResolverDirectoryFailureIsNotValidation(t *testing.T) {
	dir := newFakeDirectory()
	dir.err = errBoom

	_, err := NewResolver(dir).Resolve(context.Background(), testTenant, TargetSpec{Kind: TargetAllUsers})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Resolve() error = %v, want %v", err, errBoom)
	}
	if IsValidation(err) {
		t.Error("directory failure reported as validation error")
	}
}
