package collab

import (
	"fmt"
	"net/http"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// BoardAuth carries the bearer token presented when joining a board.
// The token is verified server side; the client only reads the claims
// it needs for presence.
type BoardAuth struct {
	ByJwt       string
	DisplayName string
	AvatarUrl   string
}

type BoardClaims struct {
	UserId      string
	BoardId     string
	DisplayName string
	CanEdit     bool
}

func ParseBoardClaimsUnverified(jwt string) (*BoardClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}

	boardClaims := &BoardClaims{
		// absent claim defaults to editable; the server is authoritative
		CanEdit: true,
	}
	if userId, ok := claims["user_id"].(string); ok {
		boardClaims.UserId = userId
	}
	if boardId, ok := claims["board_id"].(string); ok {
		boardClaims.BoardId = boardId
	}
	if displayName, ok := claims["display_name"].(string); ok {
		boardClaims.DisplayName = displayName
	}
	if canEdit, ok := claims["can_edit"].(bool); ok {
		boardClaims.CanEdit = canEdit
	}
	return boardClaims, nil
}

func (self *BoardAuth) Claims() (*BoardClaims, error) {
	return ParseBoardClaimsUnverified(self.ByJwt)
}

func (self *BoardAuth) RequestHeader() http.Header {
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", self.ByJwt))
	return header
}
