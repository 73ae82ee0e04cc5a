package auth

import "context"

// Actor is the identity initiating a pipeline operation.
type Actor struct {
	ID    string
	Name  string
	Roles []string
}

// ActorProvider supplies the current actor. The run pipeline stamps
// runByUserId/runByName from it.
type ActorProvider interface {
	CurrentActor(ctx context.Context) (Actor, bool)
}

// ContextActors reads the actor the auth middleware stored on the request
// context.
type ContextActors struct{}

func (ContextActors) CurrentActor(ctx context.Context) (Actor, bool) {
	return ActorFromContext(ctx)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	id := UserIDFromContext(ctx)
	if id == "" {
		return Actor{}, false
	}
	return Actor{ID: id, Name: NameFromContext(ctx), Roles: RolesFromContext(ctx)}, true
}

// StaticActor always reports itself; used by the CLI.
type StaticActor Actor

func (s StaticActor) CurrentActor(context.Context) (Actor, bool) {
	if s.ID == "" {
		return Actor{}, false
	}
	return Actor(s), true
}
