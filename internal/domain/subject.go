package domain

// SubjectKind identifies the kind of entity an operation acts upon.
type SubjectKind string

const (
	SubjectInstance SubjectKind = "instance"
	SubjectNode     SubjectKind = "node"
)

// CodePrefix returns the dotted activity-code prefix of the kind.
func (k SubjectKind) CodePrefix() string {
	switch k {
	case SubjectInstance:
		return "vm.Instance"
	case SubjectNode:
		return "vm.Node"
	default:
		return string(k)
	}
}

// Valid reports whether k is a known subject kind.
func (k SubjectKind) Valid() bool {
	return k == SubjectInstance || k == SubjectNode
}

// Subject is an entity operations can be invoked on.
type Subject interface {
	SubjectKind() SubjectKind
	SubjectID() string
}

// ACLLevel is a weighted permission tier held by a user on a single subject.
type ACLLevel int

const (
	ACLNone     ACLLevel = 0
	ACLUser     ACLLevel = 1
	ACLOperator ACLLevel = 2
	ACLOwner    ACLLevel = 3
)

func (l ACLLevel) String() string {
	switch l {
	case ACLUser:
		return "user"
	case ACLOperator:
		return "operator"
	case ACLOwner:
		return "owner"
	default:
		return "none"
	}
}

// ParseACLLevel converts a level name back to its weight.
func ParseACLLevel(s string) (ACLLevel, bool) {
	switch s {
	case "user":
		return ACLUser, true
	case "operator":
		return ACLOperator, true
	case "owner":
		return ACLOwner, true
	case "", "none":
		return ACLNone, true
	default:
		return ACLNone, false
	}
}

// HasACLLevels is implemented by subjects that carry per-object grants.
type HasACLLevels interface {
	HasLevel(user *User, level ACLLevel) bool
}

// ACL holds per-user grants on one subject. The zero value grants nothing.
type ACL struct {
	OwnerID string              `json:"owner_id"`
	Grants  map[string]ACLLevel `json:"grants,omitempty"`
}

// LevelOf returns the highest level the user holds. Superusers are not special here.
func (a ACL) LevelOf(user *User) ACLLevel {
	if user == nil {
		return ACLNone
	}
	if a.OwnerID != "" && a.OwnerID == user.ID {
		return ACLOwner
	}
	return a.Grants[user.ID]
}

// HasLevel reports whether user holds at least level. Superusers always do.
func (a ACL) HasLevel(user *User, level ACLLevel) bool {
	if user == nil {
		return false
	}
	if user.IsSuperuser {
		return true
	}
	return a.LevelOf(user) >= level
}

// Grant sets the user's level, removing the grant when level is ACLNone.
func (a *ACL) Grant(userID string, level ACLLevel) {
	if level == ACLNone {
		delete(a.Grants, userID)
		return
	}
	if a.Grants == nil {
		a.Grants = make(map[string]ACLLevel)
	}
	a.Grants[userID] = level
}

// Clone returns a deep copy.
func (a ACL) Clone() ACL {
	out := ACL{OwnerID: a.OwnerID}
	if a.Grants != nil {
		out.Grants = make(map[string]ACLLevel, len(a.Grants))
		for k, v := range a.Grants {
			out.Grants[k] = v
		}
	}
	return out
}
