package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ShayCichocki/steward/internal/collab"
	"github.com/ShayCichocki/steward/internal/orchestrator"
	"github.com/ShayCichocki/steward/pkg/models"
)

func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := s.cp.CreateProject(c.Request.Context(), req.Goal, req.Phase, req.Roles)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, p)
}

func (s *Server) listProjects(c *gin.Context) {
	ok(c, http.StatusOK, s.cp.Projects())
}

func (s *Server) getProject(c *gin.Context) {
	p, found := s.cp.Project(c.Param("id"))
	if !found {
		fail(c, orchestrator.ErrUnknownProject)
		return
	}
	ok(c, http.StatusOK, p)
}

func (s *Server) listTasks(c *gin.Context) {
	id := c.Param("id")
	if _, found := s.cp.Project(id); !found {
		fail(c, orchestrator.ErrUnknownProject)
		return
	}
	ok(c, http.StatusOK, s.cp.Tasks(id))
}

func (s *Server) completeProject(c *gin.Context) {
	id := c.Param("id")
	if err := s.cp.CompleteProject(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	p, _ := s.cp.Project(id)
	ok(c, http.StatusOK, p)
}

func (s *Server) submitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t := &models.Task{
		ID:          req.ID,
		ProjectID:   req.ProjectID,
		Type:        req.Type,
		Description: req.Description,
		Role:        req.Role,
		Priority:    req.Priority,
		Payload:     req.Payload,
	}
	if err := s.cp.Submit(c.Request.Context(), t); err != nil {
		fail(c, err)
		return
	}
	queued, _ := s.cp.Task(t.ID)
	ok(c, http.StatusCreated, queued)
}

func (s *Server) getTask(c *gin.Context) {
	t, found := s.cp.Task(c.Param("id"))
	if !found {
		fail(c, orchestrator.ErrUnknownTask)
		return
	}
	ok(c, http.StatusOK, t)
}

func (s *Server) listQueue(c *gin.Context) {
	ok(c, http.StatusOK, s.cp.Queued())
}

func (s *Server) reportAttempt(c *gin.Context) {
	var req attemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	det, err := s.cp.ReportAttempt(c.Request.Context(), req.AgentID, c.Param("id"), orchestrator.AttemptReport{
		Message: req.Message,
		Trace:   req.Trace,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, attemptResponse{
		Looping:  det.Looping,
		External: det.External,
		Reset:    det.Reset,
		GateID:   det.GateID,
	})
}

func (s *Server) reportResult(c *gin.Context) {
	var req resultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	err := s.cp.ReportResult(c.Request.Context(), req.AgentID, id, &models.TaskResult{
		Success:   req.Success,
		Steps:     req.Steps,
		Artifacts: req.Artifacts,
		Error:     req.Error,
		Trace:     req.Trace,
	})
	if err != nil {
		fail(c, err)
		return
	}
	t, _ := s.cp.Task(id)
	c.JSON(http.StatusAccepted, APIResponse{Success: true, Data: t})
}

func (s *Server) cancelTask(c *gin.Context) {
	var req cancelTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled over the api"
	}
	id := c.Param("id")
	if err := s.cp.CancelTask(c.Request.Context(), id, req.Reason); err != nil {
		fail(c, err)
		return
	}
	t, _ := s.cp.Task(id)
	ok(c, http.StatusOK, t)
}

func (s *Server) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !req.Role.Valid() {
		c.JSON(http.StatusBadRequest, APIResponse{Error: "unknown role " + string(req.Role)})
		return
	}
	st, err := s.cp.RegisterAgent(req.AgentID, req.Role)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, st)
}

func (s *Server) listAgents(c *gin.Context) {
	ok(c, http.StatusOK, s.cp.Agents().List())
}

func (s *Server) getAgent(c *gin.Context) {
	st, found := s.cp.Agents().Get(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, APIResponse{Error: "unknown agent " + c.Param("id")})
		return
	}
	ok(c, http.StatusOK, st)
}

// claim answers 204 when there is nothing for the agent to do.
func (s *Server) claim(c *gin.Context) {
	t, err := s.cp.Claim(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if t == nil {
		c.Status(http.StatusNoContent)
		return
	}
	ok(c, http.StatusOK, t)
}

func (s *Server) requestHelp(c *gin.Context) {
	var req helpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.cp.RequestHelp(c.Request.Context(), collab.HelpRequest{
		ProjectID:     req.ProjectID,
		RequesterID:   req.RequesterID,
		RequesterRole: req.Role,
		Question:      req.Question,
		Context:       req.Context,
		Category:      req.Category,
		Urgency:       req.Urgency,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, newHelpResponse(res))
}

func (s *Server) getHelp(c *gin.Context) {
	req, found := s.cp.Router().Get(c.Param("id"))
	if !found {
		fail(c, collab.ErrNotFound)
		return
	}
	ok(c, http.StatusOK, req)
}

func (s *Server) respondHelp(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.cp.RespondHelp(c.Request.Context(), c.Param("id"), req.Answer); err != nil {
		fail(c, err)
		return
	}
	s.getHelp(c)
}

func (s *Server) resolveHelp(c *gin.Context) {
	var req resolveHelpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.cp.ResolveHelp(c.Request.Context(), c.Param("id"), req.Success, req.Summary); err != nil {
		fail(c, err)
		return
	}
	s.getHelp(c)
}

func (s *Server) listGates(c *gin.Context) {
	ok(c, http.StatusOK, s.cp.Gates().Pending(c.Query("project")))
}

func (s *Server) getGate(c *gin.Context) {
	g, found := s.cp.Gates().Get(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, APIResponse{Error: "gate not found: " + c.Param("id")})
		return
	}
	ok(c, http.StatusOK, g)
}

func (s *Server) resolveGate(c *gin.Context) {
	var req resolveGateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	if err := s.cp.Gates().Resolve(c.Request.Context(), id, *req.Approved, req.ResolvedBy, req.Feedback); err != nil {
		fail(c, err)
		return
	}
	g, _ := s.cp.Gates().Get(id)
	ok(c, http.StatusOK, g)
}

func (s *Server) status(c *gin.Context) {
	ok(c, http.StatusOK, s.cp.Status())
}

func (s *Server) pauseDispatch(c *gin.Context) {
	s.cp.PauseDispatch()
	ok(c, http.StatusOK, gin.H{"dispatch_paused": true})
}

func (s *Server) resumeDispatch(c *gin.Context) {
	s.cp.ResumeDispatch()
	ok(c, http.StatusOK, gin.H{"dispatch_paused": false})
}
