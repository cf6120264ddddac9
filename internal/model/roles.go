package model

import "sort"

// Role is a tenant-level role assigned to users inside a tenant database.
type Role string

const (
	RoleTenantAdmin Role = "tenant_admin"
	RoleManager     Role = "manager"
	RoleAgent       Role = "agent"
	RoleViewer      Role = "viewer"
)

// Action is an operation a role may perform on a subject.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
)

// Subject is a resource class inside a tenant.
type Subject string

const (
	SubjectUsers    Subject = "users"
	SubjectRoles    Subject = "roles"
	SubjectSettings Subject = "settings"
	SubjectBilling  Subject = "billing"
	SubjectAuditLog Subject = "audit_log"
)

// Permission is one (action, subject) pair.
type Permission struct {
	Action  Action
	Subject Subject
}

type permissionSet map[Permission]struct{}

func grant(actions []Action, subjects ...Subject) permissionSet {
	set := make(permissionSet, len(actions)*len(subjects))
	for _, s := range subjects {
		for _, a := range actions {
			set[Permission{Action: a, Subject: s}] = struct{}{}
		}
	}
	return set
}

func merge(sets ...permissionSet) permissionSet {
	out := permissionSet{}
	for _, s := range sets {
		for p := range s {
			out[p] = struct{}{}
		}
	}
	return out
}

var crud = []Action{ActionRead, ActionCreate, ActionUpdate, ActionDelete}

// rolePermissions is computed once; lookups never rebuild it.
var rolePermissions = map[Role]permissionSet{
	RoleTenantAdmin: merge(
		grant([]Action{ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionManage}, SubjectUsers, SubjectRoles, SubjectSettings, SubjectBilling),
		grant([]Action{ActionRead}, SubjectAuditLog),
	),
	RoleManager: merge(
		grant(crud, SubjectUsers),
		grant([]Action{ActionRead, ActionUpdate}, SubjectSettings),
		grant([]Action{ActionRead}, SubjectRoles, SubjectAuditLog),
	),
	RoleAgent: grant([]Action{ActionRead}, SubjectUsers, SubjectSettings),
	RoleViewer: grant([]Action{ActionRead}, SubjectSettings),
}

// Roles returns every known role in a stable order.
func Roles() []Role {
	return []Role{RoleTenantAdmin, RoleManager, RoleAgent, RoleViewer}
}

// Allowed reports whether role may perform action on subject.
func Allowed(role Role, action Action, subject Subject) bool {
	_, ok := rolePermissions[role][Permission{Action: action, Subject: subject}]
	return ok
}

// Permissions lists the permissions of a role sorted by subject then action.
func Permissions(role Role) []Permission {
	set := rolePermissions[role]
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Action < out[j].Action
	})
	return out
}
