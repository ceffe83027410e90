package server

import (
	"encoding/json"

	jww "github.com/spf13/jwalterweatherman"

	"renale/protocol"
)

type routeKey struct {
	method string
	path   string
}

// response is what a handler returns; the acceptor serializes it.
type response struct {
	code        int
	contentType string
	body        string
}

type handlerFunc func(req *protocol.Request, query map[string]string) *response

// envelope is the wire wrapper for every JSON endpoint.
type envelope struct {
	Status bool        `json:"status"`
	Data   interface{} `json:"data"`
}

// buildRoutes registers the static route table. Routing is exact on method
// and on the path component before '?'.
func (s *Server) buildRoutes() {
	s.routes = map[routeKey]handlerFunc{
		{"GET", "/"}:                s.handleIndex,
		{"GET", "/status"}:          s.handleStatus,
		{"GET", "/messages"}:        s.handleMessages,
		{"GET", "/chats"}:           s.handleChats,
		{"GET", "/users"}:           s.handleUsers,
		{"POST", "/register"}:       s.handleRegister,
		{"POST", "/login"}:          s.handleLogin,
		{"POST", "/newChat"}:        s.handleNewChat,
		{"POST", "/send"}:           s.handleSend,
		{"POST", "/addMembers"}:     s.handleAddMembers,
		{"POST", "/changePassword"}: s.handleChangePassword,
		{"DELETE", "/deleteUser"}:   s.handleDeleteUser,
	}

	s.paths = make(map[string]bool, len(s.routes))
	for key := range s.routes {
		s.paths[key.path] = true
	}
}

// route dispatches a parsed request and returns the serialized response.
// Unknown paths get 404; known paths with the wrong method get 405.
func (s *Server) route(req *protocol.Request) string {
	path, query := protocol.SplitPath(req.Path)

	handler, ok := s.routes[routeKey{req.Method, path}]
	if !ok {
		if s.paths[path] {
			return protocol.FormatResponse(405, "text/plain", "405 Method Not Allowed")
		}
		return protocol.FormatResponse(404, "text/plain", "404 Not Found")
	}

	resp := handler(req, protocol.ParseQuery(query))
	return protocol.FormatResponse(resp.code, resp.contentType, resp.body)
}

// ok wraps data in a {status:true} envelope with HTTP 200.
func ok(data interface{}) *response {
	return jsonResponse(200, envelope{Status: true, Data: data})
}

// fail wraps a validation/auth failure in a {status:false} envelope with
// HTTP 400. Failures are data, not errors; only system faults use the 500
// path.
func fail(message string) *response {
	return jsonResponse(400, envelope{Status: false, Data: map[string]string{"message": message}})
}

// internalError is the catch-all for gateway faults and allocator
// exhaustion. Details go to the log, never to the client.
func internalError(err error) *response {
	jww.ERROR.Printf("Internal error: %+v", err)
	return jsonResponse(500, envelope{Status: false, Data: map[string]string{"message": "Internal error"}})
}

func jsonResponse(code int, env envelope) *response {
	body, err := json.Marshal(env)
	if err != nil {
		jww.ERROR.Printf("Failed to marshal response: %v", err)
		return &response{code: 500, contentType: "application/json",
			body: `{"status":false,"data":{"message":"Internal error"}}`}
	}
	return &response{code: code, contentType: "application/json", body: string(body)}
}
