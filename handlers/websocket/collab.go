package websocket

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"whiteboard-server/access"
	"whiteboard-server/auth"
	"whiteboard-server/core"
	"whiteboard-server/mutations"
	"whiteboard-server/presence"
)

// Client events.
const (
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventRequestJoin     = "request_join"
	EventResolveJoin     = "resolve_join_request"
	EventJoinRoomAck     = "join_room_ack"
	EventOperationError  = "operation_error"
	EventAuthError       = "auth_error"
	EventConnectionReady = "connection_ready"
)

const (
	maxHttpBufferSize = 5000000
	socketPath        = "/socket.io"

	handshakeTokenKey    = "token"
	handshakeUserIDKey   = "userId"
	handshakeUserNameKey = "userName"
)

type ackInvoker func(err error, payload map[string]any)

var localhostOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

// SetupSocketIO creates the socket.io server. Origins on localhost are
// always allowed in addition to allowedOrigins.
func SetupSocketIO(allowedOrigins []string) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(maxHttpBufferSize)
	opts.SetPath(socketPath)
	opts.SetAllowEIO3(true)

	origins := []any{"tauri://localhost", localhostOrigin}
	for _, origin := range allowedOrigins {
		origins = append(origins, origin)
	}
	opts.SetCors(&types.Cors{
		Origin:      origins,
		Credentials: true,
	})
	return socketio.NewServer(nil, opts)
}

// Collab routes socket events into the sync core.
type Collab struct {
	transport *Transport
	authn     *auth.Authenticator
	presence  *presence.Manager
	mutations *mutations.Handler
	relay     *access.Relay
}

func NewCollab(transport *Transport, authn *auth.Authenticator, manager *presence.Manager, handler *mutations.Handler, relay *access.Relay) *Collab {
	return &Collab{
		transport: transport,
		authn:     authn,
		presence:  manager,
		mutations: handler,
		relay:     relay,
	}
}

// Attach registers the connection handler on srv.
func (c *Collab) Attach(srv *socketio.Server) {
	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		c.onConnection(socket)
	})
}

func (c *Collab) onConnection(socket *socketio.Socket) {
	sid := string(socket.Id())
	log := logrus.WithField("session_id", sid)

	var handshakeAuth map[string]any
	if hs := socket.Handshake(); hs != nil {
		handshakeAuth, _ = any(hs.Auth).(map[string]any)
	}
	identity, err := identityFromHandshake(c.authn, handshakeAuth)
	if err != nil {
		log.WithError(err).Info("Rejected connection")
		_ = socket.Emit(EventAuthError, map[string]any{"status": "error", "error": err.Error()})
		socket.Disconnect(true)
		return
	}

	c.transport.register(socket)
	session := c.presence.Connect(sid, *identity)
	_ = socket.Emit(EventConnectionReady, session)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On(EventJoinRoom, func(datas ...any) {
		ack, args := extractAck(datas)
		roomID, err := roomIDArg(args)
		if err == nil {
			err = c.presence.Join(context.Background(), sid, roomID)
		}
		if err != nil {
			respondWithAck(socket, ack, EventJoinRoomAck, errorPayload(err), err)
			return
		}
		respondWithAck(socket, ack, EventJoinRoomAck, map[string]any{
			"status":     "ok",
			"roomId":     roomID,
			"user_count": c.presence.Occupancy(roomID),
		}, nil)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On(EventLeaveRoom, func(datas ...any) {
		ack, args := extractAck(datas)
		roomID, err := roomIDArg(args)
		if err == nil {
			err = c.presence.Leave(context.Background(), sid, roomID)
		}
		reply(socket, ack, err)
	})

	for _, event := range []string{mutations.EventAddElement, mutations.EventUpdateElement, mutations.EventDeleteElement} {
		event := event
		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(event, func(datas ...any) {
			ack, args := extractAck(datas)
			payload, err := payloadArg(args)
			if err != nil {
				reply(socket, ack, err)
				return
			}
			roomID, op, err := decodeOperation(event, payload)
			if err == nil {
				err = c.mutations.Handle(sid, roomID, op, payload)
			}
			reply(socket, ack, err)
		})
	}

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On(presence.EventCursorMove, func(datas ...any) {
		_, args := extractAck(datas)
		payload, err := payloadArg(args)
		if err != nil {
			return
		}
		roomID, _ := payload["roomId"].(string)
		cursor, _ := payload["cursor"].(map[string]any)
		// Cursor updates are lossy; failures are not reported.
		_ = c.presence.UpdateCursor(sid, roomID, cursor)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On(EventRequestJoin, func(datas ...any) {
		ack, args := extractAck(datas)
		roomID, err := roomIDArg(args)
		if err != nil {
			reply(socket, ack, err)
			return
		}
		requestID, err := c.relay.Request(context.Background(), sid, *identity, roomID)
		if err != nil {
			reply(socket, ack, err)
			return
		}
		if ack != nil {
			ack(nil, map[string]any{"status": "ok", "requestId": requestID})
		}
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On(EventResolveJoin, func(datas ...any) {
		ack, args := extractAck(datas)
		payload, err := payloadArg(args)
		if err != nil {
			reply(socket, ack, err)
			return
		}
		requestID, _ := payload["requestId"].(string)
		approved, _ := payload["approved"].(bool)
		reply(socket, ack, c.relay.Resolve(context.Background(), *identity, requestID, approved))
	})

	socket.On("disconnect", func(datas ...any) {
		c.presence.Disconnect(context.Background(), sid)
		c.relay.Forget(sid)
		c.transport.unregister(sid)
		socket.RemoveAllListeners("")
		log.Debug("Socket disconnected")
	})
}

// identityFromHandshake authenticates the auth object a client passes to
// io(url, {auth: {...}}).
func identityFromHandshake(authn *auth.Authenticator, handshakeAuth map[string]any) (*auth.Identity, error) {
	token, _ := handshakeAuth[handshakeTokenKey].(string)
	userID, _ := handshakeAuth[handshakeUserIDKey].(string)
	userName, _ := handshakeAuth[handshakeUserNameKey].(string)
	return authn.Authenticate(token, userID, userName)
}

// roomIDArg accepts either a bare room id or an object carrying roomId.
func roomIDArg(args []any) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("room id is required")
	}
	var roomID string
	switch v := args[0].(type) {
	case string:
		roomID = v
	case map[string]any:
		roomID, _ = v["roomId"].(string)
	}
	if roomID == "" {
		return "", fmt.Errorf("invalid room id")
	}
	return roomID, nil
}

func payloadArg(args []any) (map[string]any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: missing payload", core.ErrInvalidOperation)
	}
	payload, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload must be an object", core.ErrInvalidOperation)
	}
	return payload, nil
}

// decodeOperation turns a mutation event payload into an operation.
func decodeOperation(event string, payload map[string]any) (string, core.Operation, error) {
	roomID, _ := payload["roomId"].(string)
	if roomID == "" {
		return "", core.Operation{}, fmt.Errorf("%w: missing roomId", core.ErrInvalidOperation)
	}

	elementID, _ := payload["elementId"].(string)
	switch event {
	case mutations.EventAddElement:
		element, ok := payload["element"].(map[string]any)
		if !ok {
			return "", core.Operation{}, fmt.Errorf("%w: element must be an object", core.ErrInvalidOperation)
		}
		return roomID, core.AddOp(core.Element(element)), nil
	case mutations.EventUpdateElement:
		updates, ok := payload["updates"].(map[string]any)
		if !ok {
			return "", core.Operation{}, fmt.Errorf("%w: updates must be an object", core.ErrInvalidOperation)
		}
		return roomID, core.UpdateOp(elementID, updates), nil
	case mutations.EventDeleteElement:
		return roomID, core.DeleteOp(elementID), nil
	}
	return "", core.Operation{}, fmt.Errorf("%w: unknown event %q", core.ErrInvalidOperation, event)
}

func errorPayload(err error) map[string]any {
	payload := map[string]any{
		"status": "error",
		"error":  err.Error(),
	}
	if code := errorCode(err); code != "" {
		payload["code"] = code
	}
	return payload
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, access.ErrRoomFull):
		return "room_full"
	case errors.Is(err, access.ErrNotInvited):
		return "not_invited"
	case errors.Is(err, access.ErrRoomExpired):
		return "room_expired"
	case errors.Is(err, core.ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, presence.ErrNotJoined):
		return "not_joined"
	case errors.Is(err, core.ErrInvalidElement), errors.Is(err, core.ErrInvalidOperation):
		return "invalid_operation"
	}
	return ""
}

// reply answers through the ack when the client passed one, otherwise
// failures go out as an operation_error event to the session only.
func reply(socket *socketio.Socket, ack ackInvoker, err error) {
	if err == nil {
		if ack != nil {
			ack(nil, map[string]any{"status": "ok"})
		}
		return
	}
	if ack != nil {
		ack(err, errorPayload(err))
		return
	}
	_ = socket.Emit(EventOperationError, errorPayload(err))
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	candidate := datas[len(datas)-1]
	ack = wrapAck(candidate)
	if ack == nil {
		return nil, datas
	}

	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		args := buildAckArgs(typ, err, payload)
		value.Call(args)
	}
}

func buildAckArgs(typ reflect.Type, err error, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()
	args := make([]reflect.Value, numIn)

	for i := 0; i < numIn; i++ {
		paramType := typ.In(i)
		var argValue any

		switch {
		case numIn == 1 || i == 1:
			// Single-argument acks get the payload, which carries the error.
			if payload != nil {
				argValue = payload
			}
		case i == 0:
			argValue = err
		}

		args[i] = coerceValue(argValue, paramType)
	}

	return args
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(targetType) {
		return rv
	}

	if rv.Type().ConvertibleTo(targetType) {
		return rv.Convert(targetType)
	}

	if targetType.Kind() == reflect.String {
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}

	if targetType.Kind() == reflect.Map && targetType.Key().Kind() == reflect.String {
		if payload, ok := value.(map[string]any); ok {
			return convertMap(payload, targetType)
		}
	}

	return reflect.Zero(targetType)
}

func convertMap(source map[string]any, targetType reflect.Type) reflect.Value {
	result := reflect.MakeMapWithSize(targetType, len(source))
	for key, val := range source {
		keyValue := reflect.ValueOf(key).Convert(targetType.Key())
		if val == nil {
			continue
		}
		valueValue := reflect.ValueOf(val)
		if !valueValue.Type().AssignableTo(targetType.Elem()) {
			if !valueValue.Type().ConvertibleTo(targetType.Elem()) {
				continue
			}
			valueValue = valueValue.Convert(targetType.Elem())
		}
		result.SetMapIndex(keyValue, valueValue)
	}
	return result
}

func respondWithAck(socket *socketio.Socket, ack ackInvoker, event string, payload map[string]any, ackErr error) {
	if ack != nil {
		ack(ackErr, payload)
	}

	if event != "" && payload != nil {
		_ = socket.Emit(event, payload)
	}
}
