package saga

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// Instance is a saga persisted by a Repository. Implementations must be pointers to structs
// whose fields are serialized with bson tags, NewRepository panics for any other type.
type Instance interface {
	GetCorrelationId() uuid.UUID
}

//Storage key of a saga instance. Every participant must compute it the same way, it is the unit of locking in the store.
func DocumentKey(sagaType string, correlationId uuid.UUID) string {
	return fmt.Sprintf("%s/%s", sagaType, correlationId.String())
}

//Name of the struct behind S, used as saga type unless overridden with WithSagaType.
func TypeName[S Instance]() string {
	t := reflect.TypeOf((*S)(nil)).Elem()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// factory returns a constructor of empty S values ready to be decoded into.
func factory[S Instance]() func() S {
	t := reflect.TypeOf((*S)(nil)).Elem()
	if t.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("saga: instance type %v must be a pointer to a struct", t))
	}
	elem := t.Elem()
	return func() S {
		return reflect.New(elem).Interface().(S)
	}
}
