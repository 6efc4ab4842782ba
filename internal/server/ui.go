package server

import (
	"bytes"
	"net/http"

	"go.uber.org/zap"

	"greeter/internal/greeter"
	"greeter/internal/view"
)

// render answers a UI request with region fragments.
func (s *Server) render(w http.ResponseWriter, status int, frags ...view.Fragment) {
	var buf bytes.Buffer
	if err := s.view.Fragments(&buf, frags...); err != nil {
		s.logger.Error("render fragments", zap.Error(err))
		http.Error(w, "render error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) uiNotConnected(w http.ResponseWriter) {
	s.render(w, http.StatusConflict, view.NoticeFragment(view.KindError, view.MsgNotConnected))
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	sess, _ := s.holder.Current()
	var buf bytes.Buffer
	if err := s.view.Page(&buf, view.PageData{Connection: view.ConnectionOf(sess)}); err != nil {
		s.logger.Error("render page", zap.Error(err))
		http.Error(w, "render error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleUIConnect(w http.ResponseWriter, r *http.Request) {
	sess, err := s.connect(r.Context())
	if err != nil {
		s.render(w, http.StatusBadGateway,
			view.ConnectionFragment(view.Connection{}),
			view.NoticeFragment(view.KindError, view.ConnectFailed(err)))
		return
	}

	conn := view.ConnectionOf(sess)
	svc := s.serviceFor(sess)
	ctx, cancel := s.readContext(r)
	defer cancel()

	greeting, _ := svc.Greeting(ctx)
	var summary view.Summary
	if info, err := svc.Summary(ctx); err == nil {
		summary = view.SummaryOf(info)
	}

	s.render(w, http.StatusOK,
		view.ConnectionFragment(conn),
		view.AppFragment(conn, greeting, summary),
		view.NoticeFragment(view.KindSuccess, view.MsgConnected))
}

func (s *Server) handleUIGreeting(w http.ResponseWriter, r *http.Request) {
	svc, err := s.service()
	if err != nil {
		s.uiNotConnected(w)
		return
	}
	ctx, cancel := s.readContext(r)
	defer cancel()

	greeting, err := svc.Greeting(ctx)
	if err != nil {
		s.render(w, statusFor(err), view.NoticeFragment(view.KindError, view.MsgLoadGreeting))
		return
	}
	s.render(w, http.StatusOK, view.GreetingFragment(greeting))
}

func (s *Server) handleUISummary(w http.ResponseWriter, r *http.Request) {
	svc, err := s.service()
	if err != nil {
		s.uiNotConnected(w)
		return
	}
	ctx, cancel := s.readContext(r)
	defer cancel()

	info, err := svc.Summary(ctx)
	if err != nil {
		s.render(w, statusFor(err), view.NoticeFragment(view.KindError, view.MsgLoadInfo))
		return
	}
	s.render(w, http.StatusOK, view.SummaryFragment(view.SummaryOf(info)))
}

func (s *Server) handleUISetGreeting(w http.ResponseWriter, r *http.Request) {
	svc, err := s.service()
	if err != nil {
		s.uiNotConnected(w)
		return
	}

	out, err := s.setGreeting(r.Context(), svc, r.PostFormValue("greeting"))
	if err != nil {
		if greeter.IsValidation(err) {
			s.render(w, statusFor(err), view.SetResultFragment(view.SetFailed(err)))
			return
		}
		s.render(w, statusFor(err),
			view.SetResultFragment(view.SetFailed(err)),
			view.NoticeFragment(view.KindError, view.MsgTxFailed))
		return
	}

	frags := []view.Fragment{view.SetResultFragment(s.view.Written(out))}
	if out.GreetingErr == nil {
		frags = append(frags, view.GreetingFragment(out.Current))
	}
	if out.SummaryErr == nil {
		frags = append(frags, view.SummaryFragment(view.SummaryOf(out.Summary)))
	}
	frags = append(frags, view.ClearInputFragments()...)
	frags = append(frags, view.NoticeFragment(view.KindSuccess, view.MsgGreetingUpdated))
	s.render(w, http.StatusOK, frags...)
}

func (s *Server) handleUIHistory(w http.ResponseWriter, r *http.Request) {
	svc, err := s.service()
	if err != nil {
		s.uiNotConnected(w)
		return
	}
	ctx, cancel := s.readContext(r)
	defer cancel()

	entries, err := svc.ListHistory(ctx)
	if err != nil {
		s.render(w, statusFor(err), view.HistoryFragment(view.History{Error: view.MsgLoadHistory}))
		return
	}
	s.render(w, http.StatusOK, view.HistoryFragment(s.view.HistoryOf(entries)))
}

func (s *Server) handleUILookup(w http.ResponseWriter, r *http.Request) {
	svc, err := s.service()
	if err != nil {
		s.uiNotConnected(w)
		return
	}
	ctx, cancel := s.readContext(r)
	defer cancel()

	entry, err := svc.Lookup(ctx, r.URL.Query().Get("index"))
	if err != nil {
		s.render(w, statusFor(err), view.SearchFragment(view.LookupFailed(err)))
		return
	}
	s.render(w, http.StatusOK, view.SearchFragment(s.view.Found(entry)))
}
