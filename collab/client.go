package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/golang/glog"
)

type BoardClientSettings struct {
	StoreSettings       *StoreSettings
	SessionSettings     *SessionSettings
	AwarenessSettings   *AwarenessSettings
	UndoSettings        *UndoSettings
	RoutingSettings     *RoutingSettings
	PersistenceSettings *PersistenceSettings
	// spacing between a quick-created element and its source
	QuickCreateGap float64
}

func DefaultBoardClientSettings() *BoardClientSettings {
	return &BoardClientSettings{
		StoreSettings:       DefaultStoreSettings(),
		SessionSettings:     DefaultSessionSettings(),
		AwarenessSettings:   DefaultAwarenessSettings(),
		UndoSettings:        DefaultUndoSettings(),
		RoutingSettings:     DefaultRoutingSettings(),
		PersistenceSettings: DefaultPersistenceSettings(),
		QuickCreateGap:      40,
	}
}

// BoardClient composes the store, session, awareness, undo, routing
// and persistence for a single board.
type BoardClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId  Id
	boardId   uuid.UUID
	auth      *BoardAuth
	userId    string
	createdBy uuid.UUID

	store       *ElementStore
	session     *Session
	awareness   *AwarenessManager
	undo        *UndoManager
	routing     *RoutingEngine
	persistence *PersistenceManager

	// connectors currently being written by connectorRouted, so the
	// path write does not trigger another route
	routeLock  sync.Mutex
	selfRoutes map[uuid.UUID]int

	cacheUntrack func()
	unsubRouting func()
	unsubStore   func()

	settings *BoardClientSettings
}

func NewBoardClientWithDefaults(
	ctx context.Context,
	boardId uuid.UUID,
	auth *BoardAuth,
	dial DialFunc,
) *BoardClient {
	return NewBoardClient(ctx, boardId, auth, dial, nil, nil, DefaultBoardClientSettings())
}

// NewBoardClient wires the board components together. `cache` and
// `persister` are optional.
func NewBoardClient(
	ctx context.Context,
	boardId uuid.UUID,
	auth *BoardAuth,
	dial DialFunc,
	cache *BoardCache,
	persister ElementPersister,
	settings *BoardClientSettings,
) *BoardClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	clientId := NewId()
	userId := ""
	displayName := auth.DisplayName
	if claims, err := auth.Claims(); err == nil {
		userId = claims.UserId
		if displayName == "" {
			displayName = claims.DisplayName
		}
	} else {
		glog.Infof("[c]auth claims error = %s\n", err)
	}
	if userId == "" {
		// anonymous join. identify by the client instance id.
		userId = clientId.String()
	}
	createdBy := uuid.UUID{}
	if parsed, err := uuid.Parse(userId); err == nil {
		createdBy = parsed
	}

	doc := NewDoc()
	store := NewElementStore(boardId, doc, settings.StoreSettings)
	awareness := NewAwarenessManager(
		cancelCtx,
		doc.SiteId(),
		AwarenessUser{
			Id:     userId,
			Name:   displayName,
			Avatar: auth.AvatarUrl,
		},
		presenceColor(doc.SiteId()),
		settings.AwarenessSettings,
	)
	session := NewSession(cancelCtx, store, awareness, dial, settings.SessionSettings)
	undo := NewUndoManager(store, settings.UndoSettings)
	routing := NewRoutingEngine(cancelCtx, settings.RoutingSettings)

	client := &BoardClient{
		ctx:        cancelCtx,
		cancel:     cancel,
		clientId:   clientId,
		boardId:    boardId,
		auth:       auth,
		userId:     userId,
		createdBy:  createdBy,
		store:      store,
		session:    session,
		awareness:  awareness,
		undo:       undo,
		routing:    routing,
		selfRoutes: map[uuid.UUID]int{},
		settings:   settings,
	}

	client.unsubRouting = routing.AddRoutedCallback(client.connectorRouted)
	client.unsubStore = store.AddChangeCallback(client.storeChanged)

	if cache != nil {
		client.cacheUntrack = cache.Track(store, session)
		cache.WarmStart(store, session)
	}
	if persister != nil {
		client.persistence = NewPersistenceManager(cancelCtx, store, persister, settings.PersistenceSettings)
	}

	return client
}

func (self *BoardClient) ClientId() Id {
	return self.clientId
}

func (self *BoardClient) BoardId() uuid.UUID {
	return self.boardId
}

func (self *BoardClient) Store() *ElementStore {
	return self.store
}

func (self *BoardClient) Session() *Session {
	return self.session
}

func (self *BoardClient) Awareness() *AwarenessManager {
	return self.awareness
}

func (self *BoardClient) Undo() *UndoManager {
	return self.undo
}

func (self *BoardClient) Routing() *RoutingEngine {
	return self.routing
}

func (self *BoardClient) Persistence() *PersistenceManager {
	return self.persistence
}

// storeChanged re-routes connectors a transaction touched: connectors
// created or edited by the change, and connectors bound to an element
// whose geometry changed. Path writes from connectorRouted itself are
// skipped to keep the loop from feeding back.
func (self *BoardClient) storeChanged(change *ElementChange) {
	changed := map[uuid.UUID]bool{}
	route := map[uuid.UUID]bool{}
	for _, element := range change.Elements {
		changed[element.Id] = true
		if element.Kind == ElementKindConnector && !self.selfRoute(element.Id) {
			route[element.Id] = true
		}
	}
	for _, elementId := range change.RemovedIds {
		changed[elementId] = true
	}
	if len(changed) == 0 {
		return
	}

	for _, element := range self.store.Elements() {
		if element.Kind != ElementKindConnector || route[element.Id] || self.selfRoute(element.Id) {
			continue
		}
		connector := ConnectorFromElement(element)
		if (connector.StartBinding != nil && changed[connector.StartBinding.ElementId]) ||
			(connector.EndBinding != nil && changed[connector.EndBinding.ElementId]) {
			route[element.Id] = true
		}
	}

	for connectorId := range route {
		if err := self.RouteConnector(connectorId); err != nil {
			glog.V(1).Infof("[c]route %s error = %s\n", connectorId, err)
		}
	}
}

func (self *BoardClient) selfRoute(connectorId uuid.UUID) bool {
	self.routeLock.Lock()
	defer self.routeLock.Unlock()
	return 0 < self.selfRoutes[connectorId]
}

// connectorRouted writes routed paths back into the connector element.
func (self *BoardClient) connectorRouted(connectorId uuid.UUID, points []Point) {
	self.routeLock.Lock()
	self.selfRoutes[connectorId] += 1
	self.routeLock.Unlock()
	defer func() {
		self.routeLock.Lock()
		self.selfRoutes[connectorId] -= 1
		if self.selfRoutes[connectorId] <= 0 {
			delete(self.selfRoutes, connectorId)
		}
		self.routeLock.Unlock()
	}()

	self.store.Update(connectorId, func(element *BoardElement) *BoardElement {
		if element.Kind != ElementKindConnector {
			return nil
		}
		connector := ConnectorFromElement(element)
		connector.Points = FlattenRoute(points)
		if element.Properties == nil {
			element.Properties = map[string]any{}
		}
		// each payload key is its own replicated field
		for key, value := range connector.ToValue() {
			element.Properties[key] = value
		}
		return element
	})
}

// RouteConnector recomputes a connector's committed path from the
// current board geometry.
func (self *BoardClient) RouteConnector(connectorId uuid.UUID) error {
	request, err := self.connectorRequest(connectorId)
	if err != nil {
		return err
	}
	self.routing.RouteCommit(connectorId, request)
	return nil
}

// RouteConnectorLive recomputes a connector's path during a drag of
// the given element.
func (self *BoardClient) RouteConnectorLive(connectorId uuid.UUID, movedId uuid.UUID) error {
	request, err := self.connectorRequest(connectorId)
	if err != nil {
		return err
	}
	moved := self.store.GetById(movedId)
	if moved == nil {
		return fmt.Errorf("moved element %s not found", movedId)
	}
	self.routing.RouteLive(connectorId, request, moved.Bounds(), moved.Rotation)
	return nil
}

func (self *BoardClient) connectorRequest(connectorId uuid.UUID) (*RouteRequest, error) {
	element := self.store.GetById(connectorId)
	if element == nil {
		return nil, fmt.Errorf("connector %s not found", connectorId)
	}
	if element.Kind != ElementKindConnector {
		return nil, fmt.Errorf("element %s is not a connector", connectorId)
	}
	connector := ConnectorFromElement(element)

	request := &RouteRequest{
		Start:     connector.Start,
		End:       connector.End,
		StartSide: SideAuto,
		EndSide:   SideAuto,
	}
	if connector.StartBinding != nil {
		// a binding to a missing element is inert
		if bound := self.store.GetById(connector.StartBinding.ElementId); bound != nil {
			bounds := bound.Bounds()
			request.StartBounds = &bounds
			request.StartSide = connector.StartBinding.Side
		}
	}
	if connector.EndBinding != nil {
		if bound := self.store.GetById(connector.EndBinding.ElementId); bound != nil {
			bounds := bound.Bounds()
			request.EndBounds = &bounds
			request.EndSide = connector.EndBinding.Side
		}
	}
	request.Obstacles = self.obstacleBounds()
	return request, nil
}

func (self *BoardClient) obstacleBounds() []Rect {
	obstacles := []Rect{}
	for _, element := range self.store.Elements() {
		if !element.Kind.IsBoxLike() {
			continue
		}
		obstacles = append(obstacles, element.Bounds())
	}
	return obstacles
}

// QuickCreateConnected creates an element of the given kind adjacent
// to the source, connected by an orthogonal connector. The placement
// avoids overlapping existing elements by searching perpendicular
// offsets in growing steps.
func (self *BoardClient) QuickCreateConnected(
	sourceId uuid.UUID,
	side BindingSide,
	kind ElementKind,
) (*BoardElement, error) {
	source := self.store.GetById(sourceId)
	if source == nil {
		return nil, fmt.Errorf("source element %s not found", sourceId)
	}
	if side == SideAuto {
		side = SideRight
	}

	gap := self.settings.QuickCreateGap
	candidate := Rect{Width: source.Width, Height: source.Height}
	switch side {
	case SideRight:
		candidate.X = source.PositionX + source.Width + gap
		candidate.Y = source.PositionY
	case SideLeft:
		candidate.X = source.PositionX - source.Width - gap
		candidate.Y = source.PositionY
	case SideBottom:
		candidate.X = source.PositionX
		candidate.Y = source.PositionY + source.Height + gap
	case SideTop:
		candidate.X = source.PositionX
		candidate.Y = source.PositionY - source.Height - gap
	}

	var step float64
	switch side {
	case SideLeft, SideRight:
		step = source.Height + gap
	default:
		step = source.Width + gap
	}

	placement, _ := self.routing.QuickCreatePlacement(candidate, side, step, self.obstacleBounds())

	now := self.settings.StoreSettings.Clock.Now()
	maxZ := self.store.MaxZIndex()

	created := &BoardElement{
		Id:        uuid.New(),
		BoardId:   self.boardId,
		CreatedBy: self.createdBy,
		Kind:      kind,
		PositionX: placement.X,
		PositionY: placement.Y,
		Width:     placement.Width,
		Height:    placement.Height,
		ZIndex:    maxZ + 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	self.store.Upsert(created)

	connector := &ConnectorProperties{
		RoutingMode:  RoutingModeOrthogonal,
		StartBinding: &ConnectorBinding{ElementId: sourceId, Side: side},
		EndBinding:   &ConnectorBinding{ElementId: created.Id, Side: oppositeSide(side)},
	}
	connectorElement := &BoardElement{
		Id:         uuid.New(),
		BoardId:    self.boardId,
		CreatedBy:  self.createdBy,
		Kind:       ElementKindConnector,
		ZIndex:     maxZ + 2,
		Properties: connector.ToValue(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	self.store.Upsert(connectorElement)

	if err := self.RouteConnector(connectorElement.Id); err != nil {
		glog.Infof("[c]route quick create connector error = %s\n", err)
	}
	return created, nil
}

func (self *BoardClient) Close() {
	self.unsubStore()
	self.unsubRouting()
	if self.cacheUntrack != nil {
		self.cacheUntrack()
	}
	if self.persistence != nil {
		self.persistence.Close()
	}
	self.undo.Close()
	self.session.Close()
	self.awareness.Close()
	self.routing.Close()
	self.cancel()
}

func oppositeSide(side BindingSide) BindingSide {
	switch side {
	case SideTop:
		return SideBottom
	case SideBottom:
		return SideTop
	case SideLeft:
		return SideRight
	case SideRight:
		return SideLeft
	default:
		return SideAuto
	}
}

var presenceColors = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c",
}

func presenceColor(site uint64) string {
	return presenceColors[site%uint64(len(presenceColors))]
}
